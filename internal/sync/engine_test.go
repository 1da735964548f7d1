package sync_test

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"karya/internal/blob"
	"karya/internal/db"
	"karya/internal/domain"
	"karya/internal/events"
	"karya/internal/idspace"
	"karya/internal/lifecycle"
	"karya/internal/migrate"
	"karya/internal/repo"
	"karya/internal/store"
	synceng "karya/internal/sync"
)

type enqueueRecorder struct {
	mu    sync.Mutex
	fail  error
	calls []string
}

func (r *enqueueRecorder) Enqueue(ctx context.Context, taskID, opType string) (domain.TaskOp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return domain.TaskOp{}, r.fail
	}
	r.calls = append(r.calls, taskID+"/"+opType)
	return domain.TaskOp{}, nil
}

type env struct {
	DB     *sql.DB
	Store  store.Store
	Repo   repo.Repo
	Engine synceng.Engine
	Queue  *enqueueRecorder
	Now    time.Time

	Box         domain.Box
	TaskID      string
	MicrotaskID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := func() time.Time { return now }
	st := store.Store{Now: tick}
	r := repo.Repo{DB: conn}
	q := &enqueueRecorder{}
	lc := lifecycle.Lifecycle{DB: conn, Store: st, Repo: r, Queue: q, Now: tick}
	blobs := &blob.Local{Root: t.TempDir(), Secret: []byte("sync-test"), BaseURL: "http://server.example", Now: tick}
	eng := synceng.Engine{DB: conn, Store: st, Repo: r, Blob: blobs, Lifecycle: lc, Events: events.Writer{Now: tick}, Now: tick}

	ctx := context.Background()
	boxRow, err := st.Insert(ctx, conn, "box", domain.Row{"creation_code": "cc-1", "name": "box-1"})
	if err != nil {
		t.Fatalf("seed box: %v", err)
	}
	box, err := r.GetBox(ctx, conn, boxRow["id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	sc, err := st.Insert(ctx, conn, "scenario", domain.Row{"name": "SPEECH_DATA", "full_name": "Speech data", "description": ""})
	if err != nil {
		t.Fatal(err)
	}
	task, err := st.Insert(ctx, conn, "task", domain.Row{
		"work_provider_id": "",
		"language_id":      "",
		"scenario_id":      sc["id"],
		"name":             "recordings",
		"params":           `{"creditsPerRecording":1}`,
		"status":           domain.TaskAssigned,
	})
	if err != nil {
		t.Fatal(err)
	}
	taskID := task["id"].(string)
	mt, err := st.Insert(ctx, conn, "microtask", domain.Row{
		"task_id": taskID,
		"input":   `{"sentence":"hello"}`,
		"credits": 1,
		"status":  domain.MicrotaskIncomplete,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Insert(ctx, conn, "task_assignment", domain.Row{
		"task_id": taskID,
		"box_id":  box.ID,
		"policy":  "ALL",
		"status":  domain.TaskAssignmentAssigned,
	}); err != nil {
		t.Fatal(err)
	}
	return &env{
		DB: conn, Store: st, Repo: r, Engine: eng, Queue: q, Now: now,
		Box: box, TaskID: taskID, MicrotaskID: mt["id"].(string),
	}
}

func (e *env) assignmentRow(id string, status string) domain.Row {
	_, local, _ := idspace.Split(id)
	return domain.Row{
		"id":           id,
		"local_id":     local,
		"box_id":       e.Box.ID,
		"microtask_id": e.MicrotaskID,
		"worker_id":    "worker-1",
		"status":       status,
		"output":       `{"recording":"r.wav"}`,
		"created_at":   domain.FormatTime(e.Now.Add(-time.Minute)),
	}
}

// boxAssignmentID mints an id the way the box's client would: in the id
// space named by the box's own id.
func (e *env) boxAssignmentID(local int64) string {
	n, err := strconv.ParseInt(e.Box.ID, 10, 64)
	if err != nil {
		panic(err)
	}
	return idspace.Compose(n, local)
}

func TestPushRejectsNonBoxTables(t *testing.T) {
	e := newEnv(t)
	_, err := e.Engine.ApplyUpdatesFromBox(context.Background(), e.Box, []domain.TableUpdates{
		{TableName: "task", Rows: []domain.Row{{"id": e.TaskID, "box_id": e.Box.ID}}},
	})
	if !errors.Is(err, synceng.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPushRejectsForeignRows(t *testing.T) {
	e := newEnv(t)
	row := e.assignmentRow(e.boxAssignmentID(1), domain.AssignmentCompleted)
	row["box_id"] = "999"
	_, err := e.Engine.ApplyUpdatesFromBox(context.Background(), e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{row}},
	})
	if !errors.Is(err, synceng.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	row = e.assignmentRow(e.boxAssignmentID(1), domain.AssignmentCompleted)
	delete(row, "id")
	_, err = e.Engine.ApplyUpdatesFromBox(context.Background(), e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{row}},
	})
	if !errors.Is(err, synceng.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for row without id, got %v", err)
	}
}

func TestPushFiresCompletionTriggerOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.boxAssignmentID(1)

	results, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || !results[0].Applied {
		t.Fatalf("results: %+v", results)
	}
	if len(e.Queue.calls) != 1 || e.Queue.calls[0] != e.TaskID+"/"+domain.OpHandleAssignmentCompletion {
		t.Fatalf("trigger calls: %v", e.Queue.calls)
	}
	a, err := e.Repo.GetAssignment(ctx, e.DB, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.SubmittedToServerAt == nil {
		t.Fatal("submitted_to_server_at not stamped on genuine completion")
	}

	// replaying the same completed row is not a transition
	_, err = e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Queue.calls) != 1 {
		t.Fatalf("trigger fired again on replay: %v", e.Queue.calls)
	}
}

func TestPushTriggersOnAssignedToCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.boxAssignmentID(1)

	if _, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentAssigned)}},
	}); err != nil {
		t.Fatal(err)
	}
	if len(e.Queue.calls) != 0 {
		t.Fatalf("assigned push must not trigger: %v", e.Queue.calls)
	}
	if _, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
	}); err != nil {
		t.Fatal(err)
	}
	if len(e.Queue.calls) != 1 {
		t.Fatalf("assigned to completed must trigger once: %v", e.Queue.calls)
	}

	// skipped rows never trigger
	if _, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(e.boxAssignmentID(2), domain.AssignmentSkipped)}},
	}); err != nil {
		t.Fatal(err)
	}
	if len(e.Queue.calls) != 1 {
		t.Fatalf("skipped push triggered: %v", e.Queue.calls)
	}
}

func TestConcurrentCompletionPushesTriggerOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.boxAssignmentID(1)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
				{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
			})
		}()
	}
	wg.Wait()
	if n := len(e.Queue.calls); n > 1 {
		t.Fatalf("completion trigger fired %d times for one transition", n)
	}

	// a retry after contention is a replay once the completion is stored
	if _, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
	}); err != nil {
		t.Fatal(err)
	}
	if len(e.Queue.calls) != 1 {
		t.Fatalf("trigger calls after retry: %v", e.Queue.calls)
	}
	a, err := e.Repo.GetAssignment(ctx, e.DB, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AssignmentCompleted {
		t.Fatalf("status: %s", a.Status)
	}
}

func TestPushReportsStoredRowWhenTriggerFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.boxAssignmentID(1)
	e.Queue.fail = errors.New("op queue unavailable")

	results, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{e.assignmentRow(id, domain.AssignmentCompleted)}},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results: %+v", results)
	}
	if !results[0].Applied {
		t.Fatal("committed row reported as not applied")
	}
	if results[0].Error == "" {
		t.Fatal("trigger failure missing from the row result")
	}

	// the box must not re-push: the row is stored
	a, err := e.Repo.GetAssignment(ctx, e.DB, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AssignmentCompleted {
		t.Fatalf("status: %s", a.Status)
	}
}

func TestPushReportsPerRowResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	good := e.assignmentRow(e.boxAssignmentID(1), domain.AssignmentAssigned)
	bad := e.assignmentRow(e.boxAssignmentID(2), domain.AssignmentAssigned)
	delete(bad, "microtask_id") // violates NOT NULL on apply, not on validation

	results, err := e.Engine.ApplyUpdatesFromBox(ctx, e.Box, []domain.TableUpdates{
		{TableName: "microtask_assignment", Rows: []domain.Row{good, bad}},
	})
	if err != nil {
		t.Fatalf("batch must not fail on a row error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	if !results[0].Applied || results[0].Error != "" {
		t.Fatalf("good row: %+v", results[0])
	}
	if results[1].Applied || results[1].Error == "" {
		t.Fatalf("bad row: %+v", results[1])
	}

	box, err := e.Repo.GetBox(ctx, e.DB, e.Box.ID)
	if err != nil {
		t.Fatal(err)
	}
	if box.LastSentToServerAt == "" {
		t.Fatal("last_sent_to_server_at not stamped")
	}
}

func TestPullReturnsAssignedClosure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.Store.Insert(ctx, e.DB, "language", domain.Row{"name": "Hindi", "primary_language_name": "", "locale": "hi"}); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Engine.GetUpdatesForBox(ctx, e.Box, "")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	byTable := map[string][]domain.Row{}
	var order []string
	for _, u := range updates {
		byTable[u.TableName] = u.Rows
		order = append(order, u.TableName)
	}
	for _, table := range []string{"language", "scenario", "task_assignment", "task", "microtask"} {
		if len(byTable[table]) == 0 {
			t.Fatalf("missing %s bucket (got %v)", table, order)
		}
	}
	// parent tables come before their children
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if pos["task"] > pos["microtask"] {
		t.Fatalf("task after microtask: %v", order)
	}

	box, err := e.Repo.GetBox(ctx, e.DB, e.Box.ID)
	if err != nil {
		t.Fatal(err)
	}
	if box.LastReceivedFromServerAt == "" {
		t.Fatal("last_received_from_server_at not stamped")
	}
}

func TestPullWindowAndSignedFileURLs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fileRow, err := e.Store.Insert(ctx, e.DB, "karya_file", domain.Row{
		"container_name": "task-input",
		"name":           "in.json",
		"url":            "blob://task-input/in.json",
		"creator":        "karya_server",
		"in_server":      1,
		"in_box":         0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Store.UpdateSingle(ctx, e.DB, "task", domain.Row{"id": e.TaskID},
		domain.Row{"input_file_id": fileRow["id"]}); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Engine.GetUpdatesForBox(ctx, e.Box, "")
	if err != nil {
		t.Fatal(err)
	}
	var fileRows []domain.Row
	for _, u := range updates {
		if u.TableName == "karya_file" {
			fileRows = u.Rows
		}
	}
	if len(fileRows) != 1 {
		t.Fatalf("file bucket: %v", fileRows)
	}
	url, _ := fileRows[0]["url"].(string)
	if !strings.Contains(url, "/files/task-input/in.json?expires=") || !strings.Contains(url, "sig=") {
		t.Fatalf("file url not signed: %s", url)
	}

	// a pull from after every change sees nothing
	future := domain.FormatTime(e.Now.Add(time.Hour))
	updates, err = e.Engine.GetUpdatesForBox(ctx, e.Box, future)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Fatalf("future pull returned %d buckets", len(updates))
	}
}
