package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"karya/internal/app"
	"karya/internal/blob"
	"karya/internal/config"
	"karya/internal/db"
	"karya/internal/domain"
	"karya/internal/engine"
	"karya/internal/migrate"
	"karya/internal/repo"
	"karya/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "karya",
	Short: "Karya server CLI",
	Long: `Karya orchestrates crowdsourced work across semi-offline boxes.
The server owns tasks, expands them into microtasks, assigns them to boxes,
and reconciles completed work that boxes push back. Use 'karya serve' to run
the HTTP API and the commands below to administer tasks and boxes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KARYA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(boxCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(languageCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer e.Close()
			defer e.DB.Close()

			if addr == "" {
				addr = e.Config.Server.Addr
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			secret := e.Config.Auth.JWTSecret
			if env := os.Getenv("KARYA_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("auth.jwt_secret (or KARYA_JWT_SECRET) is required for admin auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Files:    localBlob(e),
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Karya API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from karya.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from karya.yml)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied:", db.Path(workspace))
			return nil
		},
	}
}

func boxCmd() *cobra.Command {
	box := &cobra.Command{Use: "box", Short: "Manage boxes"}
	box.AddCommand(boxCreateCmd())
	box.AddCommand(boxListCmd())
	box.AddCommand(boxWorkersCmd())
	return box
}

func boxCreateCmd() *cobra.Command {
	var name, location string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a box and print its creation code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CreateBox(ctx, name, location)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "box name")
	cmd.Flags().StringVar(&location, "location", "", "box location")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListBoxes(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(table.Row{"ID", "NAME", "LOCATION", "LAST PUSH", "LAST PULL"})
				for _, b := range items {
					t.AppendRow(table.Row{b.ID, b.Name, strOrDash(b.LocationName), b.LastSentToServerAt, b.LastReceivedFromServerAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func boxWorkersCmd() *cobra.Command {
	var boxID string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers of a box",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListWorkersForBox(ctx, e.DB, boxID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(table.Row{"ID", "NAME", "PHONE", "LANGUAGE", "CREATED"})
				for _, w := range items {
					t.AppendRow(table.Row{w.ID, strOrDash(w.FullName), strOrDash(w.PhoneNumber), strOrDash(w.AppLanguage), w.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&boxID, "box", "", "box id")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskLinkCmd())
	task.AddCommand(taskOutputCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var name, scenarioName, language, description, params, inputFile string
	var budget float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.TaskCreateOptions{
					Name:        name,
					Scenario:    scenarioName,
					LanguageID:  language,
					Description: description,
					ParamsJSON:  params,
				}
				if cmd.Flags().Changed("budget") {
					opts.Budget = &budget
				}
				if inputFile != "" {
					f, err := e.RegisterServerFile(ctx, inputFile, "task-input", fmt.Sprintf("input-%d.json", time.Now().Unix()))
					if err != nil {
						return err
					}
					opts.InputFileID = f.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&scenarioName, "scenario", "", "scenario name or id")
	cmd.Flags().StringVar(&language, "language", "", "language id")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&params, "params", "", "task params JSON (may embed \"input\")")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "path of an input JSON file to upload")
	cmd.Flags().Float64Var(&budget, "budget", 0, "credit budget")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, e.DB, repo.TaskFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(table.Row{"ID", "NAME", "SCENARIO", "STATUS", "UPDATED"})
				for _, item := range items {
					t.AppendRow(table.Row{item.ID, item.Name, item.ScenarioID, item.Status, item.LastUpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, e.DB, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a task for validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.SubmitTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a validated task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.ApproveTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var boxID, deadline string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign an approved task to a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var dl *string
				if deadline != "" {
					dl = &deadline
				}
				ta, err := e.AssignTaskToBox(ctx, args[0], boxID, dl)
				if err != nil {
					return err
				}
				return printJSON(ta)
			})
		},
	}
	cmd.Flags().StringVar(&boxID, "box", "", "box id")
	cmd.Flags().StringVar(&deadline, "deadline", "", "assignment deadline")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}

func taskLinkCmd() *cobra.Command {
	var from, to, chainName, grouping string
	var blocking bool
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link two tasks through a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				link, err := e.LinkTasks(ctx, from, to, chainName, blocking, grouping)
				if err != nil {
					return err
				}
				return printJSON(link)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source task id")
	cmd.Flags().StringVar(&to, "to", "", "destination task id")
	cmd.Flags().StringVar(&chainName, "chain", "", "chain name")
	cmd.Flags().StringVar(&grouping, "grouping", "", "grouping mode")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "destination review gates source verification")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func taskOutputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <id>",
		Short: "Schedule output generation for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				scheduled, err := e.GenerateOutput(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]bool{"scheduled": scheduled})
			})
		},
	}
}

func languageCmd() *cobra.Command {
	lang := &cobra.Command{Use: "language", Short: "Manage languages"}
	var name, primary, locale string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a language",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				l, err := e.CreateLanguage(ctx, name, primary, locale)
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "language name")
	create.Flags().StringVar(&primary, "primary-name", "", "name in the language itself")
	create.Flags().StringVar(&locale, "locale", "", "locale code")
	_ = create.MarkFlagRequired("name")
	lang.AddCommand(create)
	return lang
}

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Inspect and run background ops"}
	op.AddCommand(opListCmd())
	op.AddCommand(opRunCmd())
	return op
}

func opListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ops of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Ledger.ListOps(ctx, e.DB, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(table.Row{"ID", "TYPE", "STATUS", "CREATED", "COMPLETED"})
				for _, op := range items {
					completed := "-"
					if op.CompletedAt != nil {
						completed = *op.CompletedAt
					}
					t.AppendRow(table.Row{op.ID, op.OpType, op.Status, op.CreatedAt, completed})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func opRunCmd() *cobra.Command {
	var taskID, opType string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue an op for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				op, err := e.EnqueueOp(ctx, taskID, opType)
				if err != nil {
					return err
				}
				// The queue runs the op on its own goroutine; give it a
				// moment so the status printed below is meaningful.
				time.Sleep(200 * time.Millisecond)
				latest, err := e.Ledger.Get(ctx, e.DB, op.ID)
				if err != nil {
					return err
				}
				return printJSON(latest)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&opType, "type", domain.OpOutputGenerator, "op type")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("KARYA_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("auth.jwt_secret (or KARYA_JWT_SECRET) is required")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func localBlob(e *engine.Engine) *blob.Local {
	if l, ok := e.Blob.(*blob.Local); ok {
		return l
	}
	return nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer e.DB.Close()
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
