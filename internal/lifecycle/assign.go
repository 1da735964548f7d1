package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"karya/internal/domain"
	"karya/internal/idspace"
	"karya/internal/repo"
)

// AssignableMicrotasks selects units of a task a worker could take on:
// the task is still live, the worker has never held the unit, and the unit's
// live assignment count is below the task's per-unit maximum. Ordering
// follows the task's microtask assignment order.
func (l Lifecycle) AssignableMicrotasks(ctx context.Context, q repo.Querier, task domain.Task, workerID string, max int) ([]domain.Microtask, error) {
	if task.Status == domain.TaskCompleted {
		return nil, nil
	}
	candidates, err := l.Repo.ListMicrotasksForTask(ctx, q, task.ID, domain.MicrotaskIncomplete)
	if err != nil {
		return nil, err
	}
	perUnit := maxAssignmentsPerUnit(task)
	var units []domain.Microtask
	for _, m := range candidates {
		held, err := l.Repo.AssignmentsForMicrotask(ctx, q, m.ID)
		if err != nil {
			return nil, err
		}
		taken := false
		live := 0
		for _, a := range held {
			if a.WorkerID == workerID {
				taken = true
				break
			}
			if a.Status != domain.AssignmentSkipped && a.Status != domain.AssignmentExpired {
				live++
			}
		}
		if taken || live >= perUnit {
			continue
		}
		units = append(units, m)
	}
	if task.MicrotaskAssignmentOrder == domain.OrderRandom {
		rand.Shuffle(len(units), func(i, j int) { units[i], units[j] = units[j], units[i] })
	}
	if max > 0 && len(units) > max {
		units = units[:max]
	}
	return units, nil
}

// AssignMicrotasksForWorker walks the assigned task assignments of the
// worker's box and creates new microtask assignments, minted in the box's id
// space, until the credit budget or batch size runs out.
func (l Lifecycle) AssignMicrotasksForWorker(ctx context.Context, worker domain.Worker, maxCredits float64, batchSize int) ([]domain.MicrotaskAssignment, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	taskAssignments, err := l.Repo.ListTaskAssignments(ctx, tx, worker.BoxID, domain.TaskAssignmentAssigned)
	if err != nil {
		return nil, err
	}
	now := domain.FormatTime(l.now())
	var created []domain.MicrotaskAssignment
	budget := maxCredits
	for _, ta := range taskAssignments {
		if len(created) >= batchSize || (maxCredits > 0 && budget <= 0) {
			break
		}
		task, err := l.Repo.GetTask(ctx, tx, ta.TaskID)
		if err != nil {
			return nil, fmt.Errorf("task assignment %s: %w", ta.ID, err)
		}
		units, err := l.AssignableMicrotasks(ctx, tx, task, worker.ID, batchSize-len(created))
		if err != nil {
			return nil, err
		}
		for _, m := range units {
			if maxCredits > 0 && budget < m.Credits {
				continue
			}
			id, local, err := idspace.MintFor(ctx, tx, "microtask_assignment", worker.BoxID)
			if err != nil {
				return nil, err
			}
			row := domain.Row{
				"id":           id,
				"local_id":     local,
				"box_id":       worker.BoxID,
				"microtask_id": m.ID,
				"worker_id":    worker.ID,
				"status":       domain.AssignmentAssigned,
			}
			if d := assignmentDeadline(ta, m); d != nil {
				row["deadline"] = *d
			}
			if _, err := l.Store.Insert(ctx, tx, "microtask_assignment", row); err != nil {
				return nil, err
			}
			created = append(created, domain.MicrotaskAssignment{
				ID:          id,
				LocalID:     local,
				BoxID:       worker.BoxID,
				MicrotaskID: m.ID,
				WorkerID:    worker.ID,
				Deadline:    assignmentDeadline(ta, m),
				Status:      domain.AssignmentAssigned,
				CreatedAt:   now,
			})
			budget -= m.Credits
			if len(created) >= batchSize {
				break
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// assignmentDeadline prefers the unit's own deadline, then the task
// assignment's.
func assignmentDeadline(ta domain.TaskAssignment, m domain.Microtask) *string {
	if m.Deadline != nil {
		return m.Deadline
	}
	return ta.Deadline
}

func maxAssignmentsPerUnit(task domain.Task) int {
	params := map[string]any{}
	if task.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(task.ParamsJSON), &params)
	}
	if n, ok := params["maxAssignments"].(float64); ok && n >= 1 {
		return int(n)
	}
	return 1
}
