package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"karya/internal/blob"
	"karya/internal/domain"
	"karya/internal/repo"
	"karya/internal/store"
	"karya/internal/taskop"
)

// outputInterval throttles output generation per task.
const outputInterval = 12 * time.Hour

// OutputGenerator collects the window's verified assignments and completed
// microtasks into a JSON output file registered as a karya file on the task.
type OutputGenerator struct {
	Repo   repo.Repo
	Store  store.Store
	Blob   blob.Registry
	Ledger taskop.Ledger
	Queue  *taskop.Queue
}

// MaybeEnqueue schedules output generation unless a non-failed run is more
// recent than the throttle interval.
func (g OutputGenerator) MaybeEnqueue(ctx context.Context, taskID string) (bool, error) {
	latest, err := g.Ledger.LatestOpTime(ctx, g.Repo.DB, taskID, domain.OpOutputGenerator)
	if err != nil {
		return false, err
	}
	if latest != domain.Epoch {
		ts, err := domain.ParseTime(latest)
		if err != nil {
			return false, err
		}
		if time.Since(ts) < outputInterval {
			return false, nil
		}
	}
	_, err = g.Queue.Enqueue(ctx, taskID, domain.OpOutputGenerator)
	return err == nil, err
}

type taskOutput struct {
	TaskID      string           `json:"task_id"`
	GeneratedAt string           `json:"generated_at"`
	Microtasks  []map[string]any `json:"microtasks"`
	Assignments []map[string]any `json:"assignments"`
}

func (g OutputGenerator) Handle(ctx context.Context, tx *sql.Tx, op domain.TaskOp, w taskop.Window) ([]taskop.FollowUp, error) {
	task, err := g.Repo.GetTask(ctx, tx, op.TaskID)
	if err != nil {
		return nil, err
	}
	microtasks, err := g.Repo.CompletedMicrotasksInWindow(ctx, tx, task.ID, w.From, w.To)
	if err != nil {
		return nil, err
	}
	assignments, err := g.Repo.VerifiedAssignmentsInWindow(ctx, tx, task.ID, w.From, w.To)
	if err != nil {
		return nil, err
	}
	if len(microtasks) == 0 && len(assignments) == 0 {
		return nil, nil
	}

	out := taskOutput{TaskID: task.ID, GeneratedAt: w.To}
	for _, m := range microtasks {
		out.Microtasks = append(out.Microtasks, map[string]any{
			"id":     m.ID,
			"input":  json.RawMessage(orEmptyObject(m.InputJSON)),
			"output": json.RawMessage(orEmptyObject(m.OutputJSON)),
		})
	}
	for _, a := range assignments {
		entry := map[string]any{
			"id":           a.ID,
			"microtask_id": a.MicrotaskID,
			"worker_id":    a.WorkerID,
			"output":       json.RawMessage(orEmptyObject(a.OutputJSON)),
			"report":       json.RawMessage(orEmptyObject(a.ReportJSON)),
		}
		if a.Credits != nil {
			entry["credits"] = *a.Credits
		}
		out.Assignments = append(out.Assignments, entry)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("karya-output-%s-%d", task.ID, time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	defer os.Remove(tmp)
	name := fmt.Sprintf("task-%s-%s.json", task.ID, time.Now().UTC().Format("20060102T150405"))
	url, checksum, err := g.Blob.Upload(ctx, tmp, blob.Params{ContainerName: "task-output", Name: name})
	if err != nil {
		return nil, err
	}

	fileRow, err := g.Store.Insert(ctx, tx, "karya_file", domain.Row{
		"container_name": "task-output",
		"name":           name,
		"url":            url,
		"creator":        "karya_server",
		"algorithm":      "md5",
		"checksum":       checksum,
		"in_server":      1,
		"in_box":         0,
	})
	if err != nil {
		return nil, err
	}
	fileID := fileRow["id"].(string)
	if err := g.Ledger.SetFile(ctx, tx, op, fileID); err != nil {
		return nil, err
	}
	if err := g.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": task.ID}, domain.Row{"output_file_id": fileID}); err != nil {
		return nil, err
	}
	return nil, nil
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
