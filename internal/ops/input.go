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
	"karya/internal/scenario"
	"karya/internal/store"
	"karya/internal/taskop"
)

// InputProcessor validates a submitted task and expands its input into
// microtask groups and microtasks. Validation failure is terminal for the
// task (status invalid, errors recorded) but not an op failure: the op
// completes, and only human correction and re-submission restart the flow.
type InputProcessor struct {
	Repo  repo.Repo
	Store store.Store
	Blob  blob.Registry
}

func (p InputProcessor) Handle(ctx context.Context, tx *sql.Tx, op domain.TaskOp, w taskop.Window) ([]taskop.FollowUp, error) {
	task, err := p.Repo.GetTask(ctx, tx, op.TaskID)
	if err != nil {
		return nil, err
	}
	if err := p.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": task.ID}, domain.Row{"status": domain.TaskValidating}); err != nil {
		return nil, err
	}

	scRecord, err := p.Repo.GetScenario(ctx, tx, task.ScenarioID)
	if err != nil {
		return nil, err
	}
	sc, err := scenario.Get(scRecord.Name)
	if err != nil {
		return nil, p.invalidate(ctx, tx, task, err)
	}
	if err := sc.ValidateTask(task); err != nil {
		return nil, p.invalidate(ctx, tx, task, err)
	}
	input, err := p.taskInput(ctx, task)
	if err != nil {
		return nil, p.invalidate(ctx, tx, task, err)
	}
	groups, err := sc.ProcessInput(task, input)
	if err != nil {
		return nil, p.invalidate(ctx, tx, task, err)
	}

	count := 0
	for _, g := range groups {
		count += len(g.Microtasks)
	}
	if task.Budget != nil && sc.EstimateBudget(task, count) > *task.Budget {
		return nil, p.invalidate(ctx, tx, task, scenario.Invalid("estimated cost exceeds task budget"))
	}

	for _, g := range groups {
		groupRow, err := p.Store.Insert(ctx, tx, "microtask_group", domain.Row{
			"task_id":                    task.ID,
			"microtask_assignment_order": task.MicrotaskAssignmentOrder,
			"status":                     domain.MicrotaskIncomplete,
		})
		if err != nil {
			return nil, err
		}
		for _, spec := range g.Microtasks {
			inputJSON, err := json.Marshal(spec.Input)
			if err != nil {
				return nil, err
			}
			row := domain.Row{
				"task_id":  task.ID,
				"group_id": groupRow["id"],
				"input":    string(inputJSON),
				"credits":  spec.Credits,
				"status":   domain.MicrotaskIncomplete,
			}
			if spec.Deadline != nil {
				row["deadline"] = *spec.Deadline
			}
			if _, err := p.Store.Insert(ctx, tx, "microtask", row); err != nil {
				return nil, err
			}
		}
	}
	if err := p.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": task.ID}, domain.Row{"status": domain.TaskValidated}); err != nil {
		return nil, err
	}
	return nil, nil
}

// taskInput reads the task's input JSON, either inline under params.input or
// from the task's input file.
func (p InputProcessor) taskInput(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	var params struct {
		Input json.RawMessage `json:"input"`
	}
	if task.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(task.ParamsJSON), &params); err != nil {
			return nil, scenario.Invalid("task params are not valid JSON: %v", err)
		}
	}
	if len(params.Input) > 0 {
		return params.Input, nil
	}
	if task.InputFileID == nil {
		return nil, scenario.Invalid("task has neither inline input nor an input file")
	}
	file, err := p.Repo.GetKaryaFile(ctx, p.Repo.DB, *task.InputFileID)
	if err != nil {
		return nil, err
	}
	if file.URL == nil {
		return nil, scenario.Invalid("input file %s has no stored content", file.ID)
	}
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("karya-input-%s-%d", task.ID, time.Now().UnixNano()))
	defer os.Remove(tmp)
	if err := p.Blob.Download(ctx, *file.URL, tmp); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// invalidate records the validation failure on the task. The nil error it
// returns is deliberate: the op completes, the task is what failed.
func (p InputProcessor) invalidate(ctx context.Context, tx *sql.Tx, task domain.Task, cause error) error {
	msgs := []string{}
	if task.ErrorsJSON != "" {
		_ = json.Unmarshal([]byte(task.ErrorsJSON), &msgs)
	}
	msgs = append(msgs, cause.Error())
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return p.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": task.ID}, domain.Row{
		"status": domain.TaskInvalid,
		"errors": string(data),
	})
}
