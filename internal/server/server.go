package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"karya/internal/blob"
	"karya/internal/domain"
	"karya/internal/engine"
	"karya/internal/repo"
	"karya/internal/scenario"
	"karya/internal/store"
	synceng "karya/internal/sync"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Files    *blob.Local
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Karya server API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for task input validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Karya Server API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBoxSync(group, cfg.Engine)
	registerBoxes(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLanguages(group, cfg.Engine)
	registerSignedFiles(router, cfg.Files)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, synceng.ErrForbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, blob.ErrChecksumMismatch) {
		return newAPIError(http.StatusBadRequest, "checksum_mismatch", err.Error(), nil)
	}
	var ve scenario.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot be") || strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "unknown scenario") || strings.Contains(lowered, "unknown chain"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// registerBoxSync exposes the surface boxes talk to: registration, pull,
// push, file upload, and expiry reassignment.
func registerBoxSync(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-box",
		Method:        http.MethodPost,
		Path:          "/box/register",
		Summary:       "Exchange a creation code for the box key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterBoxRequest `json:"body"`
	}) (*struct {
		Body RegisterBoxResponse `json:"body"`
	}, error) {
		if input.Body.CreationCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "creation_code is required", nil)
		}
		box, err := e.RegisterBox(ctx, input.Body.CreationCode, input.Body.Name, input.Body.URL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterBoxResponse `json:"body"`
		}{Body: RegisterBoxResponse{ID: box.ID, Name: box.Name, Key: *box.Key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-pull",
		Method:      http.MethodGet,
		Path:        "/box/updates",
		Summary:     "Pull rows changed since a timestamp",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		From string `query:"from" doc:"Exclusive lower bound, server timestamp format"`
	}) (*struct {
		Body []domain.TableUpdates `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.From != "" {
			if _, err := domain.ParseTime(input.From); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid from timestamp", map[string]any{"from": input.From})
			}
		}
		updates, err := e.Sync.GetUpdatesForBox(ctx, box, input.From)
		if err != nil {
			return nil, handleError(err)
		}
		if updates == nil {
			updates = []domain.TableUpdates{}
		}
		return &struct {
			Body []domain.TableUpdates `json:"body"`
		}{Body: updates}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-push",
		Method:      http.MethodPost,
		Path:        "/box/updates",
		Summary:     "Push box-side rows",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body []domain.TableUpdates `json:"body"`
	}) (*struct {
		Body []synceng.RowResult `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.Sync.ApplyUpdatesFromBox(ctx, box, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []synceng.RowResult{}
		}
		return &struct {
			Body []synceng.RowResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-checkin",
		Method:      http.MethodPut,
		Path:        "/box/checkin",
		Summary:     "Report box liveness",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"box_id":      box.ID,
			"server_time": domain.FormatTime(e.Now()),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-upload-file",
		Method:      http.MethodPost,
		Path:        "/box/files/{id}",
		Summary:     "Upload the content of a previously synced karya file",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		RawBody []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body FileResponse `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file content required", nil)
		}
		tmp, err := os.CreateTemp("", "karya-upload-*")
		if err != nil {
			return nil, handleError(err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(input.RawBody); err != nil {
			tmp.Close()
			return nil, handleError(err)
		}
		tmp.Close()
		file, err := e.ReceiveBoxFile(ctx, box, input.ID, tmp.Name())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FileResponse `json:"body"`
		}{Body: fileResponse(file)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-get-file",
		Method:      http.MethodGet,
		Path:        "/box/files/{id}",
		Summary:     "Fetch a karya file record with a signed download URL",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body FileResponse `json:"body"`
	}, error) {
		if _, authErr := boxFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		file, err := e.Repo.GetKaryaFile(ctx, e.DB, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := fileResponse(file)
		if file.InServer && file.URL != nil {
			ttl := e.Sync.SignedURLTTL
			if ttl <= 0 {
				ttl = time.Hour
			}
			signed, err := e.Blob.SignedReadURL(*file.URL, ttl)
			if err != nil {
				return nil, handleError(err)
			}
			resp.URL = &signed
		} else {
			resp.URL = nil
		}
		return &struct {
			Body FileResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "box-assign-microtasks",
		Method:        http.MethodPost,
		Path:          "/box/workers/{worker_id}/assignments",
		Summary:       "Mint new microtask assignments for a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string              `path:"worker_id"`
		Body     AssignWorkerRequest `json:"body"`
	}) (*struct {
		Body []MicrotaskAssignmentResponse `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		worker, err := e.Repo.GetWorker(ctx, e.DB, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		if worker.BoxID != box.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "worker does not belong to this box", nil)
		}
		created, err := e.Lifecycle.AssignMicrotasksForWorker(ctx, worker, input.Body.MaxCredits, input.Body.BatchSize)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MicrotaskAssignmentResponse, 0, len(created))
		for _, a := range created {
			res = append(res, microtaskAssignmentResponse(a))
		}
		return &struct {
			Body []MicrotaskAssignmentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "box-reassign-expired",
		Method:      http.MethodPost,
		Path:        "/box/workers/{worker_id}/reassignments",
		Summary:     "Hand wrongly expired assignments back to a worker",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		box, authErr := boxFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		worker, err := e.Repo.GetWorker(ctx, e.DB, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		if worker.BoxID != box.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "worker does not belong to this box", nil)
		}
		n, err := e.Lifecycle.ReassignExpired(ctx, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"reassigned": n}}, nil
	})
}

func registerBoxes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-box",
		Method:        http.MethodPost,
		Path:          "/boxes",
		Summary:       "Create box",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateBoxRequest `json:"body"`
	}) (*struct {
		Body BoxResponse `json:"body"`
	}, error) {
		box, err := e.CreateBox(ctx, input.Body.Name, input.Body.Location)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoxResponse `json:"body"`
		}{Body: boxResponse(box)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-boxes",
		Method:      http.MethodGet,
		Path:        "/boxes",
		Summary:     "List boxes",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BoxResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListBoxes(ctx, e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BoxResponse `json:"body"`
		}{Body: mapBoxes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-box-workers",
		Method:      http.MethodGet,
		Path:        "/boxes/{id}/workers",
		Summary:     "List workers of a box",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBox(ctx, e.DB, input.ID); err != nil {
			return nil, handleError(err)
		}
		workers, err := e.Repo.ListWorkersForBox(ctx, e.DB, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkerResponse, 0, len(workers))
		for _, w := range workers {
			res = append(res, workerResponse(w))
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			WorkProviderID:           input.Body.WorkProviderID,
			LanguageID:               input.Body.LanguageID,
			Scenario:                 input.Body.Scenario,
			Name:                     input.Body.Name,
			Description:              input.Body.Description,
			InputFileID:              input.Body.InputFileID,
			Budget:                   input.Body.Budget,
			Deadline:                 input.Body.Deadline,
			AssignmentGranularity:    input.Body.AssignmentGranularity,
			GroupAssignmentOrder:     input.Body.GroupAssignmentOrder,
			MicrotaskAssignmentOrder: input.Body.MicrotaskAssignmentOrder,
		}
		if len(input.Body.Params) > 0 {
			opts.ParamsJSON = string(input.Body.Params)
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Scenario string `query:"scenario_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, e.DB, repo.TaskFilters{
			Status:     input.Status,
			ScenarioID: input.Scenario,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, e.DB, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/submit",
		Summary:     "Submit task for validation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.SubmitTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a validated task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.ApproveTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/assignments",
		Summary:       "Assign an approved task to a box",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskAssignmentResponse `json:"body"`
	}, error) {
		if input.Body.BoxID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "box_id is required", nil)
		}
		ta, err := e.AssignTaskToBox(ctx, input.ID, input.Body.BoxID, input.Body.Deadline)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskAssignmentResponse `json:"body"`
		}{Body: taskAssignmentResponse(ta)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-tasks",
		Method:        http.MethodPost,
		Path:          "/task-links",
		Summary:       "Link two tasks through a chain",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body LinkTasksRequest `json:"body"`
	}) (*struct {
		Body TaskLinkResponse `json:"body"`
	}, error) {
		if input.Body.FromTask == "" || input.Body.ToTask == "" || input.Body.Chain == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from_task, to_task, and chain are required", nil)
		}
		link, err := e.LinkTasks(ctx, input.Body.FromTask, input.Body.ToTask, input.Body.Chain, input.Body.Blocking, input.Body.Grouping)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskLinkResponse `json:"body"`
		}{Body: taskLinkResponse(link)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-ops",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/ops",
		Summary:     "List background ops of a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskOpResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, e.DB, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Ledger.ListOps(ctx, e.DB, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TaskOpResponse, 0, len(items))
		for _, op := range items {
			res = append(res, taskOpResponse(op))
		}
		return &struct {
			Body []TaskOpResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-task-output",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/output",
		Summary:       "Schedule output generation",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		scheduled, err := e.GenerateOutput(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"scheduled": scheduled}}, nil
	})
}

func registerLanguages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-language",
		Method:        http.MethodPost,
		Path:          "/languages",
		Summary:       "Create language",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateLanguageRequest `json:"body"`
	}) (*struct {
		Body LanguageResponse `json:"body"`
	}, error) {
		lang, err := e.CreateLanguage(ctx, input.Body.Name, input.Body.PrimaryLanguageName, input.Body.Locale)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LanguageResponse `json:"body"`
		}{Body: languageResponse(lang)}, nil
	})
}

// registerSignedFiles serves blob content behind the signed read URLs handed
// out during sync. Signature verification replaces middleware auth here.
func registerSignedFiles(r chi.Router, files *blob.Local) {
	r.Get("/files/{container}/{name}", func(w http.ResponseWriter, req *http.Request) {
		if files == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "file serving not configured", nil))
			return
		}
		container := chi.URLParam(req, "container")
		name := chi.URLParam(req, "name")
		expires, err := strconv.ParseInt(req.URL.Query().Get("expires"), 10, 64)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid expires", nil))
			return
		}
		sig := req.URL.Query().Get("sig")
		if err := files.VerifySignedRead(container, name, expires, sig); err != nil {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "invalid or expired signature", nil))
			return
		}
		localPath, err := files.Path(fmt.Sprintf("blob://%s/%s", container, filepath.Base(name)))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
			return
		}
		http.ServeFile(w, req, localPath)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		ensureSlash(path.Join(basePath, "health")):       true,
		ensureSlash(path.Join(basePath, "box/register")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Karya Server API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
