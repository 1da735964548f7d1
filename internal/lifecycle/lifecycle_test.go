package lifecycle_test

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"testing"
	"time"

	"karya/internal/db"
	"karya/internal/domain"
	"karya/internal/idspace"
	"karya/internal/lifecycle"
	"karya/internal/migrate"
	"karya/internal/repo"
	"karya/internal/store"
)

type enqueueRecorder struct {
	calls []string
}

func (r *enqueueRecorder) Enqueue(ctx context.Context, taskID, opType string) (domain.TaskOp, error) {
	r.calls = append(r.calls, taskID+"/"+opType)
	return domain.TaskOp{}, nil
}

type env struct {
	DB        *sql.DB
	Store     store.Store
	Repo      repo.Repo
	Lifecycle lifecycle.Lifecycle
	Queue     *enqueueRecorder
	Now       time.Time
	TaskID    string
}

func newEnv(t *testing.T, taskParams string) *env {
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
	st := store.Store{Now: func() time.Time { return now }}
	r := repo.Repo{DB: conn}
	q := &enqueueRecorder{}
	lc := lifecycle.Lifecycle{DB: conn, Store: st, Repo: r, Queue: q, Now: func() time.Time { return now }}

	ctx := context.Background()
	sc, err := st.Insert(ctx, conn, "scenario", domain.Row{"name": "SPEECH_DATA", "full_name": "Speech data", "description": ""})
	if err != nil {
		t.Fatalf("seed scenario: %v", err)
	}
	task, err := st.Insert(ctx, conn, "task", domain.Row{
		"work_provider_id": "",
		"language_id":      "",
		"scenario_id":      sc["id"],
		"name":             "recordings",
		"params":           taskParams,
		"status":           domain.TaskAssigned,
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return &env{DB: conn, Store: st, Repo: r, Lifecycle: lc, Queue: q, Now: now, TaskID: task["id"].(string)}
}

func (e *env) insertMicrotask(t *testing.T, credits float64) string {
	t.Helper()
	row, err := e.Store.Insert(context.Background(), e.DB, "microtask", domain.Row{
		"task_id": e.TaskID,
		"input":   `{"sentence":"hello"}`,
		"credits": credits,
		"status":  domain.MicrotaskIncomplete,
	})
	if err != nil {
		t.Fatalf("insert microtask: %v", err)
	}
	return row["id"].(string)
}

func (e *env) insertAssignment(t *testing.T, microtaskID, workerID, status string, extra domain.Row) domain.MicrotaskAssignment {
	t.Helper()
	row := domain.Row{
		"microtask_id": microtaskID,
		"worker_id":    workerID,
		"status":       status,
		"output":       `{"recording":"r.wav"}`,
	}
	for k, v := range extra {
		row[k] = v
	}
	inserted, err := e.Store.Insert(context.Background(), e.DB, "microtask_assignment", row)
	if err != nil {
		t.Fatalf("insert assignment: %v", err)
	}
	a, err := e.Repo.GetAssignment(context.Background(), e.DB, inserted["id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (e *env) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := e.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// seedBox records a box with an assigned task assignment for the env's task.
func (e *env) seedBox(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	box, err := e.Store.Insert(ctx, e.DB, "box", domain.Row{"creation_code": "cc-assign", "name": "b"})
	if err != nil {
		t.Fatalf("seed box: %v", err)
	}
	boxID := box["id"].(string)
	if _, err := e.Store.Insert(ctx, e.DB, "task_assignment", domain.Row{
		"task_id": e.TaskID,
		"box_id":  boxID,
		"policy":  "ALL",
		"status":  domain.TaskAssignmentAssigned,
	}); err != nil {
		t.Fatalf("seed task assignment: %v", err)
	}
	return boxID
}

func (e *env) insertWorker(t *testing.T, boxID string, local int64) domain.Worker {
	t.Helper()
	ctx := context.Background()
	boxNum, err := strconv.ParseInt(boxID, 10, 64)
	if err != nil {
		t.Fatal(err)
	}
	id := idspace.Compose(boxNum, local)
	if _, err := e.Store.Insert(ctx, e.DB, "worker", domain.Row{
		"id":            id,
		"local_id":      local,
		"box_id":        boxID,
		"creation_code": fmt.Sprintf("wc-%s-%d", boxID, local),
	}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	w, err := e.Repo.GetWorker(ctx, e.DB, id)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestHandleAssignmentCompletionSchedulesForwardOp(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	m := e.insertMicrotask(t, 1)
	a := e.insertAssignment(t, m, "w1", domain.AssignmentCompleted, nil)

	if err := e.Lifecycle.HandleAssignmentCompletion(context.Background(), a); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(e.Queue.calls) != 1 || e.Queue.calls[0] != e.TaskID+"/"+domain.OpHandleAssignmentCompletion {
		t.Fatalf("scheduled ops: %v", e.Queue.calls)
	}
}

func TestVerifyCompletedCompletesMicrotaskAndTask(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":2.5}`)
	m := e.insertMicrotask(t, 2.5)
	a := e.insertAssignment(t, m, "w1", domain.AssignmentCompleted, nil)

	var followUps []string
	e.inTx(t, func(tx *sql.Tx) error {
		ups, err := e.Lifecycle.VerifyCompleted(context.Background(), tx, []domain.MicrotaskAssignment{a})
		for _, u := range ups {
			followUps = append(followUps, u.OpType)
		}
		return err
	})

	got, err := e.Repo.GetAssignment(context.Background(), e.DB, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.AssignmentVerified {
		t.Fatalf("assignment status: %s", got.Status)
	}
	if got.Credits == nil || *got.Credits != 2.5 {
		t.Fatalf("assignment credits: %v", got.Credits)
	}
	if got.VerifiedAt == nil {
		t.Fatal("verified_at not stamped")
	}

	mt, err := e.Repo.GetMicrotask(context.Background(), e.DB, m)
	if err != nil {
		t.Fatal(err)
	}
	if mt.Status != domain.MicrotaskCompleted {
		t.Fatalf("microtask status: %s", mt.Status)
	}
	if mt.OutputJSON == "" || mt.OutputJSON == "{}" {
		t.Fatalf("microtask output not folded: %q", mt.OutputJSON)
	}

	task, err := e.Repo.GetTask(context.Background(), e.DB, e.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("task with no remaining microtasks: %s", task.Status)
	}
	if len(followUps) != 1 || followUps[0] != domain.OpExecuteBackwardTaskLink {
		t.Fatalf("follow-ups: %v", followUps)
	}
}

func TestVerifyCompletedHonoursPolicyTarget(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1,"nVerified":2}`)
	m := e.insertMicrotask(t, 1)
	first := e.insertAssignment(t, m, "w1", domain.AssignmentCompleted, nil)

	e.inTx(t, func(tx *sql.Tx) error {
		_, err := e.Lifecycle.VerifyCompleted(context.Background(), tx, []domain.MicrotaskAssignment{first})
		return err
	})
	mt, err := e.Repo.GetMicrotask(context.Background(), e.DB, m)
	if err != nil {
		t.Fatal(err)
	}
	if mt.Status != domain.MicrotaskIncomplete {
		t.Fatalf("one of two verifications should not complete the microtask: %s", mt.Status)
	}

	second := e.insertAssignment(t, m, "w2", domain.AssignmentCompleted, nil)
	e.inTx(t, func(tx *sql.Tx) error {
		_, err := e.Lifecycle.VerifyCompleted(context.Background(), tx, []domain.MicrotaskAssignment{second})
		return err
	})
	mt, err = e.Repo.GetMicrotask(context.Background(), e.DB, m)
	if err != nil {
		t.Fatal(err)
	}
	if mt.Status != domain.MicrotaskCompleted {
		t.Fatalf("microtask after second verification: %s", mt.Status)
	}
}

func TestVerifyCompletedKeepsPresetCredits(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":4}`)
	m := e.insertMicrotask(t, 4)
	a := e.insertAssignment(t, m, "w1", domain.AssignmentCompleted, domain.Row{"credits": 1.5})

	e.inTx(t, func(tx *sql.Tx) error {
		_, err := e.Lifecycle.VerifyCompleted(context.Background(), tx, []domain.MicrotaskAssignment{a})
		return err
	})
	got, err := e.Repo.GetAssignment(context.Background(), e.DB, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits == nil || *got.Credits != 1.5 {
		t.Fatalf("preset credits overwritten: %v", got.Credits)
	}
}

func TestAssignMicrotasksForWorker(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	m1 := e.insertMicrotask(t, 1)
	m2 := e.insertMicrotask(t, 1)
	boxID := e.seedBox(t)
	w := e.insertWorker(t, boxID, 1)

	created, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), w, 0, 0)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d assignments, want 2", len(created))
	}
	boxNum, _ := strconv.ParseInt(boxID, 10, 64)
	covered := map[string]bool{}
	for _, a := range created {
		if a.BoxID != boxID || a.WorkerID != w.ID || a.Status != domain.AssignmentAssigned {
			t.Fatalf("assignment: %+v", a)
		}
		b, _, err := idspace.Split(a.ID)
		if err != nil {
			t.Fatal(err)
		}
		if b != boxNum {
			t.Fatalf("assignment %s minted outside box %d's id space", a.ID, boxNum)
		}
		covered[a.MicrotaskID] = true
	}
	if !covered[m1] || !covered[m2] {
		t.Fatalf("units covered: %v", covered)
	}

	// a worker never receives the same unit twice
	again, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), w, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("re-assigned %d held units", len(again))
	}
}

func TestAssignMicrotasksHonoursCreditBudget(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":2}`)
	e.insertMicrotask(t, 2)
	e.insertMicrotask(t, 2)
	boxID := e.seedBox(t)
	w := e.insertWorker(t, boxID, 1)

	created, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), w, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d assignments under a 2-credit budget, want 1", len(created))
	}
}

func TestAssignMicrotasksRespectsUnitMaximum(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	e.insertMicrotask(t, 1)
	boxID := e.seedBox(t)
	first := e.insertWorker(t, boxID, 1)
	second := e.insertWorker(t, boxID, 2)

	if _, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), first, 0, 0); err != nil {
		t.Fatal(err)
	}
	created, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), second, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Fatalf("unit with a live assignment handed out again: %d", len(created))
	}
}

func TestSequentialAssignmentOrderPastNineUnits(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	var minted []string
	for i := 0; i < 12; i++ {
		minted = append(minted, e.insertMicrotask(t, 1))
	}

	// ids are decimal text, so text ordering would put "10" before "2"
	listed, err := e.Repo.ListMicrotasksForTask(context.Background(), e.DB, e.TaskID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != len(minted) {
		t.Fatalf("listed %d microtasks, want %d", len(listed), len(minted))
	}
	for i, m := range listed {
		if m.ID != minted[i] {
			t.Fatalf("position %d: got id %s, want %s", i, m.ID, minted[i])
		}
	}

	boxID := e.seedBox(t)
	w := e.insertWorker(t, boxID, 1)
	created, err := e.Lifecycle.AssignMicrotasksForWorker(context.Background(), w, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != len(minted) {
		t.Fatalf("created %d assignments, want %d", len(created), len(minted))
	}
	for i, a := range created {
		if a.MicrotaskID != minted[i] {
			t.Fatalf("assignment %d covers unit %s, want %s", i, a.MicrotaskID, minted[i])
		}
	}
}

func TestReassignExpiredWindow(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	m := e.insertMicrotask(t, 1)

	stamp := func(offset time.Duration) string {
		return domain.FormatTime(e.Now.Add(offset))
	}
	futureDeadline := stamp(time.Hour)

	anchor := e.insertAssignment(t, m, "w1", domain.AssignmentExpired, domain.Row{
		"deadline":   futureDeadline,
		"created_at": stamp(-10 * time.Second),
	})
	inWindow := e.insertAssignment(t, m, "w1", domain.AssignmentExpired, domain.Row{
		"deadline":   futureDeadline,
		"created_at": stamp(-8 * time.Second),
	})
	outside := e.insertAssignment(t, m, "w1", domain.AssignmentExpired, domain.Row{
		"deadline":   futureDeadline,
		"created_at": stamp(-5 * time.Second),
	})
	otherWorker := e.insertAssignment(t, m, "w2", domain.AssignmentExpired, domain.Row{
		"deadline":   futureDeadline,
		"created_at": stamp(-10 * time.Second),
	})

	n, err := e.Lifecycle.ReassignExpired(context.Background(), "w1")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 2 {
		t.Fatalf("reassigned %d, want 2", n)
	}
	check := func(id, want string) {
		t.Helper()
		a, err := e.Repo.GetAssignment(context.Background(), e.DB, id)
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != want {
			t.Fatalf("assignment %s status %s, want %s", id, a.Status, want)
		}
	}
	check(anchor.ID, domain.AssignmentAssigned)
	check(inWindow.ID, domain.AssignmentAssigned)
	check(outside.ID, domain.AssignmentExpired)
	check(otherWorker.ID, domain.AssignmentExpired)
}

func TestReassignExpiredIgnoresPastDeadlines(t *testing.T) {
	e := newEnv(t, `{"creditsPerRecording":1}`)
	m := e.insertMicrotask(t, 1)
	past := domain.FormatTime(e.Now.Add(-time.Hour))
	a := e.insertAssignment(t, m, "w1", domain.AssignmentExpired, domain.Row{
		"deadline":   past,
		"created_at": domain.FormatTime(e.Now.Add(-10 * time.Second)),
	})

	n, err := e.Lifecycle.ReassignExpired(context.Background(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reassigned %d legitimately expired assignments", n)
	}
	got, err := e.Repo.GetAssignment(context.Background(), e.DB, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.AssignmentExpired {
		t.Fatalf("status: %s", got.Status)
	}
}
