package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"karya/internal/blob"
	"karya/internal/chain"
	"karya/internal/config"
	"karya/internal/domain"
	"karya/internal/events"
	"karya/internal/lifecycle"
	"karya/internal/ops"
	"karya/internal/repo"
	"karya/internal/scenario"
	"karya/internal/store"
	synceng "karya/internal/sync"
	"karya/internal/taskop"
)

// Engine bundles the orchestration components and exposes the administrative
// operations behind the API and CLI.
type Engine struct {
	DB        *sql.DB
	Store     store.Store
	Repo      repo.Repo
	Events    events.Writer
	Ledger    taskop.Ledger
	Runner    *taskop.Runner
	Queue     *taskop.Queue
	Lifecycle lifecycle.Lifecycle
	Executor  chain.Executor
	Input     ops.InputProcessor
	Output    ops.OutputGenerator
	Sync      synceng.Engine
	Blob      blob.Registry
	Config    *config.Config
	Now       func() time.Time
}

// New wires every component around one database handle and registers the op
// handlers on the runner.
func New(db *sql.DB, cfg *config.Config, blobs blob.Registry) *Engine {
	st := store.Store{}
	r := repo.Repo{DB: db}
	ev := events.Writer{}
	ledger := taskop.Ledger{DB: db, Store: st}
	runner := &taskop.Runner{DB: db, Ledger: ledger, Events: ev}
	queue := taskop.NewQueue(runner)
	runner.Enqueue = queue.Enqueue
	lc := lifecycle.Lifecycle{DB: db, Store: st, Repo: r, Queue: queue}
	exec := chain.Executor{Repo: r, Store: st, Lifecycle: lc}
	input := ops.InputProcessor{Repo: r, Store: st, Blob: blobs}
	output := ops.OutputGenerator{Repo: r, Store: st, Blob: blobs, Ledger: ledger, Queue: queue}
	sync := synceng.Engine{DB: db, Store: st, Repo: r, Blob: blobs, Lifecycle: lc, Events: ev}
	if cfg != nil {
		sync.SignedURLTTL = cfg.Blob.SignedURLTTL
	}

	runner.Handle(domain.OpInputProcessor, input.Handle)
	runner.Handle(domain.OpOutputGenerator, output.Handle)
	runner.Handle(domain.OpHandleAssignmentCompletion, exec.ExecuteForwardTaskLinks)
	runner.Handle(domain.OpExecuteForwardTaskLink, exec.ExecuteForwardTaskLinks)
	runner.Handle(domain.OpExecuteBackwardTaskLink, exec.ExecuteBackwardTaskLinks)

	return &Engine{
		DB:        db,
		Store:     st,
		Repo:      r,
		Events:    ev,
		Ledger:    ledger,
		Runner:    runner,
		Queue:     queue,
		Lifecycle: lc,
		Executor:  exec,
		Input:     input,
		Output:    output,
		Sync:      sync,
		Blob:      blobs,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Close drains the op queue.
func (e *Engine) Close() {
	if e.Queue != nil {
		e.Queue.Close()
	}
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	WorkProviderID           string
	LanguageID               string
	Scenario                 string // scenario name or id
	Name                     string
	Description              string
	ParamsJSON               string
	InputFileID              string
	Budget                   *float64
	Deadline                 *string
	AssignmentGranularity    string
	GroupAssignmentOrder     string
	MicrotaskAssignmentOrder string
}

// CreateTask records a new task in created state. The input is not touched
// until the task is submitted.
func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, errors.New("name is required")
	}
	if opts.Scenario == "" {
		return domain.Task{}, errors.New("scenario is required")
	}
	sc, err := e.Repo.GetScenarioByName(ctx, e.DB, opts.Scenario)
	if errors.Is(err, repo.ErrNotFound) {
		sc, err = e.Repo.GetScenario(ctx, e.DB, opts.Scenario)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("scenario %s: %w", opts.Scenario, err)
	}
	if _, err := scenario.Get(sc.Name); err != nil {
		return domain.Task{}, err
	}
	if opts.LanguageID != "" {
		if _, err := e.Repo.GetLanguage(ctx, e.DB, opts.LanguageID); err != nil {
			return domain.Task{}, fmt.Errorf("language %s: %w", opts.LanguageID, err)
		}
	}

	row := domain.Row{
		"work_provider_id":           opts.WorkProviderID,
		"language_id":                opts.LanguageID,
		"scenario_id":                sc.ID,
		"name":                       opts.Name,
		"description":                opts.Description,
		"status":                     domain.TaskCreated,
		"assignment_granularity":     orEither(opts.AssignmentGranularity),
		"group_assignment_order":     orEither(opts.GroupAssignmentOrder),
		"microtask_assignment_order": orEither(opts.MicrotaskAssignmentOrder),
	}
	if opts.ParamsJSON != "" {
		row["params"] = opts.ParamsJSON
	}
	if opts.InputFileID != "" {
		if _, err := e.Repo.GetKaryaFile(ctx, e.DB, opts.InputFileID); err != nil {
			return domain.Task{}, fmt.Errorf("input file %s: %w", opts.InputFileID, err)
		}
		row["input_file_id"] = opts.InputFileID
	}
	if opts.Budget != nil {
		row["budget"] = *opts.Budget
	}
	if opts.Deadline != nil {
		row["deadline"] = *opts.Deadline
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Store.Insert(ctx, tx, "task", row)
	if err != nil {
		return domain.Task{}, err
	}
	id := inserted["id"].(string)
	if err := e.Events.Append(ctx, tx, "task.created", "task", id, "", events.EventPayload{
		"scenario": sc.Name,
		"name":     opts.Name,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, e.DB, id)
}

// SubmitTask moves a created or corrected task to submitted and schedules
// input processing.
func (e *Engine) SubmitTask(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskCreated && task.Status != domain.TaskInvalid {
		return domain.Task{}, fmt.Errorf("task %s cannot be submitted from status %s", taskID, task.Status)
	}
	if err := e.transitionTask(ctx, taskID, domain.TaskSubmitted, "task.submitted"); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Queue.Enqueue(ctx, taskID, domain.OpInputProcessor); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, e.DB, taskID)
}

// ApproveTask marks a validated task ready for box assignment.
func (e *Engine) ApproveTask(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskValidated {
		return domain.Task{}, fmt.Errorf("task %s cannot be approved from status %s", taskID, task.Status)
	}
	if err := e.transitionTask(ctx, taskID, domain.TaskApproved, "task.approved"); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, e.DB, taskID)
}

// AssignTaskToBox hands an approved task to a box. The assignment row is what
// sync replicates; the next pull carries the task closure to the box.
func (e *Engine) AssignTaskToBox(ctx context.Context, taskID, boxID string, deadline *string) (domain.TaskAssignment, error) {
	task, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	if task.Status != domain.TaskApproved && task.Status != domain.TaskAssigned {
		return domain.TaskAssignment{}, fmt.Errorf("task %s cannot be assigned from status %s", taskID, task.Status)
	}
	if _, err := e.Repo.GetBox(ctx, e.DB, boxID); err != nil {
		return domain.TaskAssignment{}, err
	}
	if _, err := e.Repo.TaskAssignmentFor(ctx, e.DB, taskID, boxID); err == nil {
		return domain.TaskAssignment{}, fmt.Errorf("task %s is already assigned to box %s", taskID, boxID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TaskAssignment{}, err
	}

	row := domain.Row{
		"task_id": taskID,
		"box_id":  boxID,
		"policy":  "ALL",
		"status":  domain.TaskAssignmentAssigned,
	}
	if deadline == nil {
		deadline = task.Deadline
	}
	if deadline != nil {
		row["deadline"] = *deadline
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Store.Insert(ctx, tx, "task_assignment", row)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	if task.Status != domain.TaskAssigned {
		if err := e.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": taskID}, domain.Row{"status": domain.TaskAssigned}); err != nil {
			return domain.TaskAssignment{}, err
		}
	}
	id := inserted["id"].(string)
	if err := e.Events.Append(ctx, tx, "task.assigned", "task_assignment", id, boxID, events.EventPayload{
		"task_id": taskID,
	}); err != nil {
		return domain.TaskAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskAssignment{}, err
	}
	return e.Repo.GetTaskAssignment(ctx, e.DB, id)
}

// LinkTasks connects two tasks through a chain. A blocking link suppresses
// the default verification policy on the source task.
func (e *Engine) LinkTasks(ctx context.Context, fromID, toID, chainName string, blocking bool, grouping string) (domain.TaskLink, error) {
	if _, err := chain.Get(chainName); err != nil {
		return domain.TaskLink{}, err
	}
	if _, err := e.Repo.GetTask(ctx, e.DB, fromID); err != nil {
		return domain.TaskLink{}, fmt.Errorf("from task %s: %w", fromID, err)
	}
	if _, err := e.Repo.GetTask(ctx, e.DB, toID); err != nil {
		return domain.TaskLink{}, fmt.Errorf("to task %s: %w", toID, err)
	}
	if grouping == "" {
		grouping = "one_to_one"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskLink{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Store.Insert(ctx, tx, "task_link", domain.Row{
		"from_task": fromID,
		"to_task":   toID,
		"chain":     chainName,
		"blocking":  boolToInt(blocking),
		"grouping":  grouping,
		"status":    domain.LinkActive,
	})
	if err != nil {
		return domain.TaskLink{}, err
	}
	id := inserted["id"].(string)
	if err := e.Events.Append(ctx, tx, "task.linked", "task_link", id, "", events.EventPayload{
		"from_task": fromID,
		"to_task":   toID,
		"chain":     chainName,
		"blocking":  blocking,
	}); err != nil {
		return domain.TaskLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskLink{}, err
	}
	return e.Repo.GetTaskLink(ctx, e.DB, id)
}

// CreateBox records a new box with a fresh creation code. The code is handed
// to the box operator out of band and exchanged for the key at registration.
func (e *Engine) CreateBox(ctx context.Context, name, location string) (domain.Box, error) {
	if name == "" {
		return domain.Box{}, errors.New("name is required")
	}
	row := domain.Row{
		"creation_code": uuid.NewString(),
		"name":          name,
	}
	if location != "" {
		row["location_name"] = location
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Box{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Store.Insert(ctx, tx, "box", row)
	if err != nil {
		return domain.Box{}, err
	}
	id := inserted["id"].(string)
	if err := e.Events.Append(ctx, tx, "box.created", "box", id, id, events.EventPayload{"name": name}); err != nil {
		return domain.Box{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Box{}, err
	}
	return e.Repo.GetBox(ctx, e.DB, id)
}

// RegisterBox exchanges a creation code for the box's key. The code is single
// use: a box that already holds a key cannot register again.
func (e *Engine) RegisterBox(ctx context.Context, creationCode, name, url string) (domain.Box, error) {
	box, err := e.Repo.GetBoxByCreationCode(ctx, e.DB, creationCode)
	if err != nil {
		return domain.Box{}, err
	}
	if box.Key != nil && *box.Key != "" {
		return domain.Box{}, fmt.Errorf("box %s is already registered", box.ID)
	}
	updates := domain.Row{"key": uuid.NewString()}
	if name != "" {
		updates["name"] = name
	}
	if url != "" {
		updates["url"] = url
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Box{}, err
	}
	defer tx.Rollback()
	if err := e.Store.UpdateSingle(ctx, tx, "box", domain.Row{"id": box.ID}, updates); err != nil {
		return domain.Box{}, err
	}
	if err := e.Events.Append(ctx, tx, "box.registered", "box", box.ID, box.ID, nil); err != nil {
		return domain.Box{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Box{}, err
	}
	return e.Repo.GetBox(ctx, e.DB, box.ID)
}

// ReceiveBoxFile stores the uploaded content for a karya file the box already
// announced through sync. The stored checksum must match the upload.
func (e *Engine) ReceiveBoxFile(ctx context.Context, box domain.Box, fileID, localPath string) (domain.KaryaFile, error) {
	file, err := e.Repo.GetKaryaFile(ctx, e.DB, fileID)
	if err != nil {
		return domain.KaryaFile{}, err
	}
	if file.BoxID == nil || *file.BoxID != box.ID {
		return domain.KaryaFile{}, fmt.Errorf("file %s does not belong to box %s: %w", fileID, box.ID, synceng.ErrForbidden)
	}
	url, _, err := e.Blob.Upload(ctx, localPath, blob.Params{
		ContainerName: file.ContainerName,
		Name:          file.Name,
		Algorithm:     file.Algorithm,
		Checksum:      file.Checksum,
	})
	if err != nil {
		return domain.KaryaFile{}, err
	}
	if err := e.Store.UpdateSingle(ctx, e.DB, "karya_file", domain.Row{"id": fileID}, domain.Row{
		"url":       url,
		"in_server": 1,
	}); err != nil {
		return domain.KaryaFile{}, err
	}
	return e.Repo.GetKaryaFile(ctx, e.DB, fileID)
}

// RegisterServerFile uploads a local file and records it as a server-created
// karya file. Used for task input files.
func (e *Engine) RegisterServerFile(ctx context.Context, localPath, container, name string) (domain.KaryaFile, error) {
	checksum, err := blob.Checksum(localPath, "md5")
	if err != nil {
		return domain.KaryaFile{}, err
	}
	url, _, err := e.Blob.Upload(ctx, localPath, blob.Params{
		ContainerName: container,
		Name:          name,
		Algorithm:     "md5",
		Checksum:      checksum,
	})
	if err != nil {
		return domain.KaryaFile{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.KaryaFile{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Store.Insert(ctx, tx, "karya_file", domain.Row{
		"container_name": container,
		"name":           name,
		"url":            url,
		"creator":        "karya_server",
		"algorithm":      "md5",
		"checksum":       checksum,
		"in_server":      1,
		"in_box":         0,
	})
	if err != nil {
		return domain.KaryaFile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.KaryaFile{}, err
	}
	return e.Repo.GetKaryaFile(ctx, e.DB, inserted["id"].(string))
}

// CreateLanguage records a supported language.
func (e *Engine) CreateLanguage(ctx context.Context, name, primaryName, locale string) (domain.Language, error) {
	if name == "" {
		return domain.Language{}, errors.New("name is required")
	}
	inserted, err := e.Store.Insert(ctx, e.DB, "language", domain.Row{
		"name":                  name,
		"primary_language_name": primaryName,
		"locale":                locale,
	})
	if err != nil {
		return domain.Language{}, err
	}
	return e.Repo.GetLanguage(ctx, e.DB, inserted["id"].(string))
}

// SeedScenarios inserts a scenario row for every registered scenario that the
// database does not know yet. Run at startup so tasks can reference them.
func (e *Engine) SeedScenarios(ctx context.Context) error {
	for _, name := range scenario.Names() {
		_, err := e.Repo.GetScenarioByName(ctx, e.DB, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if _, err := e.Store.Insert(ctx, e.DB, "scenario", domain.Row{
			"name":                       name,
			"full_name":                  name,
			"description":                "",
			"assignment_granularity":     domain.OrderEither,
			"group_assignment_order":     domain.OrderEither,
			"microtask_assignment_order": domain.OrderEither,
			"enabled":                    1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GenerateOutput schedules output generation for a task, subject to the
// generator's throttle.
func (e *Engine) GenerateOutput(ctx context.Context, taskID string) (bool, error) {
	if _, err := e.Repo.GetTask(ctx, e.DB, taskID); err != nil {
		return false, err
	}
	return e.Output.MaybeEnqueue(ctx, taskID)
}

// EnqueueOp schedules an arbitrary op for a task. Used by the CLI to force a
// run, for example after fixing the cause of a failed op.
func (e *Engine) EnqueueOp(ctx context.Context, taskID, opType string) (domain.TaskOp, error) {
	if _, err := e.Repo.GetTask(ctx, e.DB, taskID); err != nil {
		return domain.TaskOp{}, err
	}
	return e.Queue.Enqueue(ctx, taskID, opType)
}

func (e *Engine) transitionTask(ctx context.Context, taskID, status, event string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": taskID}, domain.Row{"status": status}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, event, "task", taskID, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func orEither(v string) string {
	if v == "" {
		return domain.OrderEither
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
