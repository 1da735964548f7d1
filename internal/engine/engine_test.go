package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"karya/internal/blob"
	"karya/internal/config"
	"karya/internal/db"
	"karya/internal/domain"
	"karya/internal/engine"
	"karya/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(dir)
	blobs := &blob.Local{Root: cfg.Blob.Root, Secret: []byte("engine-test"), BaseURL: cfg.Server.BaseURL}
	eng := engine.New(conn, cfg, blobs)
	t.Cleanup(func() {
		eng.Close()
		conn.Close()
	})
	ctx := context.Background()
	if err := eng.SeedScenarios(ctx); err != nil {
		t.Fatalf("seed scenarios: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// waitForTaskStatus polls until the queued input processor settles the task.
func waitForTaskStatus(t *testing.T, env testEnv, taskID string, want ...string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := env.Engine.Repo.GetTask(env.Ctx, env.Engine.DB, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		for _, w := range want {
			if task.Status == w {
				return task
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, want one of %v", taskID, task.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func speechTask(t *testing.T, env testEnv, sentences string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:       "record sentences",
		Scenario:   "SPEECH_DATA",
		ParamsJSON: `{"creditsPerRecording":1,"input":{"sentences":` + sentences + `}}`,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)

	task := speechTask(t, env, `["one","two","three"]`)
	if task.Status != domain.TaskCreated {
		t.Fatalf("status after create: %s", task.Status)
	}

	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task = waitForTaskStatus(t, env, task.ID, domain.TaskValidated, domain.TaskInvalid)
	if task.Status != domain.TaskValidated {
		t.Fatalf("task did not validate: %s (%s)", task.Status, task.ErrorsJSON)
	}

	microtasks, err := env.Engine.Repo.ListMicrotasksForTask(env.Ctx, env.Engine.DB, task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(microtasks) != 3 {
		t.Fatalf("microtasks generated: %d", len(microtasks))
	}

	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	box, err := env.Engine.CreateBox(env.Ctx, "field-box", "pune")
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	ta, err := env.Engine.AssignTaskToBox(env.Ctx, task.ID, box.ID, nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ta.TaskID != task.ID || ta.BoxID != box.ID || ta.Status != domain.TaskAssignmentAssigned {
		t.Fatalf("assignment: %+v", ta)
	}
	task, err = env.Engine.Repo.GetTask(env.Ctx, env.Engine.DB, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskAssigned {
		t.Fatalf("task after assignment: %s", task.Status)
	}

	// a duplicate assignment to the same box is rejected
	if _, err := env.Engine.AssignTaskToBox(env.Ctx, task.ID, box.ID, nil); err == nil {
		t.Fatal("expected duplicate assignment error")
	}
}

func TestSubmitInvalidTask(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:       "broken",
		Scenario:   "SPEECH_DATA",
		ParamsJSON: `{"input":{"sentences":["a"]}}`, // creditsPerRecording missing
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	task = waitForTaskStatus(t, env, task.ID, domain.TaskValidated, domain.TaskInvalid)
	if task.Status != domain.TaskInvalid {
		t.Fatalf("task with bad params validated: %s", task.Status)
	}
	if !strings.Contains(task.ErrorsJSON, "creditsPerRecording") {
		t.Fatalf("errors: %s", task.ErrorsJSON)
	}

	// invalid is not terminal for the flow: corrected tasks resubmit
	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("resubmit after invalid: %v", err)
	}
}

func TestApproveRequiresValidation(t *testing.T) {
	env := newTestEnv(t)
	task := speechTask(t, env, `["a"]`)
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID); err == nil {
		t.Fatal("expected approve to fail before validation")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "x", Scenario: "NO_SUCH_SCENARIO"}); err == nil {
		t.Fatal("expected unknown scenario error")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Scenario: "SPEECH_DATA"}); err == nil {
		t.Fatal("expected missing name error")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name: "x", Scenario: "SPEECH_DATA", LanguageID: "999",
	}); err == nil {
		t.Fatal("expected unknown language error")
	}
}

func TestBudgetGate(t *testing.T) {
	env := newTestEnv(t)
	budget := 1.0
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:       "over budget",
		Scenario:   "SPEECH_DATA",
		ParamsJSON: `{"creditsPerRecording":1,"input":{"sentences":["a","b","c"]}}`,
		Budget:     &budget,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	task = waitForTaskStatus(t, env, task.ID, domain.TaskValidated, domain.TaskInvalid)
	if task.Status != domain.TaskInvalid {
		t.Fatalf("task over budget validated: %s", task.Status)
	}
	if !strings.Contains(task.ErrorsJSON, "budget") {
		t.Fatalf("errors: %s", task.ErrorsJSON)
	}
}

func TestBoxRegistration(t *testing.T) {
	env := newTestEnv(t)

	box, err := env.Engine.CreateBox(env.Ctx, "field-box", "")
	if err != nil {
		t.Fatal(err)
	}
	if box.CreationCode == "" {
		t.Fatal("creation code not minted")
	}
	if box.Key != nil {
		t.Fatal("key must not exist before registration")
	}

	registered, err := env.Engine.RegisterBox(env.Ctx, box.CreationCode, "renamed", "http://box.local")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.Key == nil || *registered.Key == "" {
		t.Fatal("registration must mint a key")
	}
	if registered.Name != "renamed" {
		t.Fatalf("name: %s", registered.Name)
	}

	// the creation code is single use
	if _, err := env.Engine.RegisterBox(env.Ctx, box.CreationCode, "", ""); err == nil {
		t.Fatal("expected second registration to fail")
	}
	if _, err := env.Engine.RegisterBox(env.Ctx, "bogus-code", "", ""); err == nil {
		t.Fatal("expected unknown creation code to fail")
	}
}

func TestLinkTasksValidatesChain(t *testing.T) {
	env := newTestEnv(t)
	from := speechTask(t, env, `["a"]`)
	to, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:       "verify",
		Scenario:   "SPEECH_VERIFICATION",
		ParamsJSON: `{"creditsPerVerification":0.5,"input":{}}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.LinkTasks(env.Ctx, from.ID, to.ID, "NO_SUCH_CHAIN", false, ""); err == nil {
		t.Fatal("expected unknown chain error")
	}
	link, err := env.Engine.LinkTasks(env.Ctx, from.ID, to.ID, "SPEECH_VALIDATION", true, "")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !link.Blocking || link.Grouping != "one_to_one" || link.Status != domain.LinkActive {
		t.Fatalf("link: %+v", link)
	}
}

func TestCreateLanguage(t *testing.T) {
	env := newTestEnv(t)
	lang, err := env.Engine.CreateLanguage(env.Ctx, "Hindi", "हिन्दी", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if lang.ID == "" || lang.Name != "Hindi" || lang.Locale != "hi" {
		t.Fatalf("language: %+v", lang)
	}
	if _, err := env.Engine.CreateLanguage(env.Ctx, "", "", ""); err == nil {
		t.Fatal("expected missing name error")
	}
}
