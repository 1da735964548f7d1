package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"karya/internal/domain"
	"karya/internal/repo"
	"karya/internal/scenario"
	"karya/internal/store"
	"karya/internal/taskop"
)

// reassignmentWindow bounds how far past the first wrongly-expired assignment
// a worker's expired assignments are still handed back.
const reassignmentWindow = 2 * time.Second

// Enqueuer schedules background ops; satisfied by *taskop.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID, opType string) (domain.TaskOp, error)
}

// Lifecycle owns microtask assignment state transitions: the completion
// trigger, the default verification policy, expiry reassignment, and unit
// selection for new assignments.
type Lifecycle struct {
	DB    *sql.DB
	Store store.Store
	Repo  repo.Repo
	Queue Enqueuer
	Now   func() time.Time
}

func (l Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// HandleAssignmentCompletion fires when a pushed assignment genuinely
// transitions into completed. It schedules the forward-link op for the
// owning task; the ledger window scopes which assignments that op sees.
func (l Lifecycle) HandleAssignmentCompletion(ctx context.Context, a domain.MicrotaskAssignment) error {
	m, err := l.Repo.GetMicrotask(ctx, l.DB, a.MicrotaskID)
	if err != nil {
		return fmt.Errorf("completion trigger for assignment %s: %w", a.ID, err)
	}
	_, err = l.Queue.Enqueue(ctx, m.TaskID, domain.OpHandleAssignmentCompletion)
	return err
}

// VerifyCompleted is the default verification policy: each assignment is
// verified with full credit unless the caller (a backward chain) already set
// credits. Microtasks whose verified-assignment count satisfies the task
// policy are completed, which in turn schedules backward link execution for
// their task.
func (l Lifecycle) VerifyCompleted(ctx context.Context, tx *sql.Tx, assignments []domain.MicrotaskAssignment) ([]taskop.FollowUp, error) {
	now := domain.FormatTime(l.now())
	touched := map[string]bool{}
	for _, a := range assignments {
		m, err := l.Repo.GetMicrotask(ctx, tx, a.MicrotaskID)
		if err != nil {
			return nil, fmt.Errorf("verify assignment %s: %w", a.ID, err)
		}
		credits := m.Credits
		if a.Credits != nil {
			credits = *a.Credits
		}
		updates := domain.Row{
			"status":      domain.AssignmentVerified,
			"credits":     credits,
			"verified_at": now,
		}
		if a.ReportJSON != "" {
			updates["report"] = a.ReportJSON
		}
		if err := l.Store.UpdateSingle(ctx, tx, "microtask_assignment", domain.Row{"id": a.ID}, updates); err != nil {
			return nil, fmt.Errorf("verify assignment %s: %w", a.ID, err)
		}
		touched[m.ID] = true
	}

	var followUps []taskop.FollowUp
	scheduled := map[string]bool{}
	for microtaskID := range touched {
		completed, taskID, err := l.completeIfSatisfied(ctx, tx, microtaskID)
		if err != nil {
			return nil, err
		}
		if completed && !scheduled[taskID] {
			scheduled[taskID] = true
			followUps = append(followUps, taskop.FollowUp{TaskID: taskID, OpType: domain.OpExecuteBackwardTaskLink})
		}
	}
	return followUps, nil
}

// completeIfSatisfied marks a microtask completed once its verified
// assignments reach the task policy target, folding the scenario's output in.
// It also closes out the task when no incomplete microtasks remain.
func (l Lifecycle) completeIfSatisfied(ctx context.Context, tx *sql.Tx, microtaskID string) (bool, string, error) {
	m, err := l.Repo.GetMicrotask(ctx, tx, microtaskID)
	if err != nil {
		return false, "", err
	}
	if m.Status == domain.MicrotaskCompleted {
		return false, m.TaskID, nil
	}
	verified, err := l.Repo.AssignmentsForMicrotask(ctx, tx, m.ID, domain.AssignmentVerified)
	if err != nil {
		return false, "", err
	}
	task, err := l.Repo.GetTask(ctx, tx, m.TaskID)
	if err != nil {
		return false, "", err
	}
	if len(verified) < policyTarget(task) {
		return false, m.TaskID, nil
	}

	sc, err := l.scenarioFor(ctx, tx, task)
	if err != nil {
		return false, "", err
	}
	output, err := sc.MicrotaskOutput(task, m, verified)
	if err != nil {
		return false, "", fmt.Errorf("microtask %s output: %w", m.ID, err)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return false, "", err
	}
	err = l.Store.UpdateSingle(ctx, tx, "microtask", domain.Row{"id": m.ID}, domain.Row{
		"status": domain.MicrotaskCompleted,
		"output": string(outputJSON),
	})
	if err != nil {
		return false, "", err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM microtask WHERE task_id=? AND status != ?`,
		task.ID, domain.MicrotaskCompleted).Scan(&remaining); err != nil {
		return false, "", err
	}
	if remaining == 0 && task.Status != domain.TaskCompleted {
		if err := l.Store.UpdateSingle(ctx, tx, "task", domain.Row{"id": task.ID}, domain.Row{"status": domain.TaskCompleted}); err != nil {
			return false, "", err
		}
	}
	return true, m.TaskID, nil
}

func (l Lifecycle) scenarioFor(ctx context.Context, q repo.Querier, task domain.Task) (scenario.Scenario, error) {
	sc, err := l.Repo.GetScenario(ctx, q, task.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("scenario of task %s: %w", task.ID, err)
	}
	return scenario.Get(sc.Name)
}

// policyTarget is how many verified assignments complete a microtask.
func policyTarget(task domain.Task) int {
	params := map[string]any{}
	if task.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(task.ParamsJSON), &params)
	}
	if n, ok := params["nVerified"].(float64); ok && n >= 1 {
		return int(n)
	}
	return 1
}

// ReassignExpired hands back a worker's wrongly-expired assignments. The
// earliest assignment whose deadline is still in the future anchors a short
// window; every expired assignment created inside it flips back to assigned,
// later ones stay expired.
func (l Lifecycle) ReassignExpired(ctx context.Context, workerID string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := domain.FormatTime(l.now())
	wrong, err := l.Repo.WronglyExpiredAssignments(ctx, tx, workerID, now)
	if err != nil {
		return 0, err
	}
	if len(wrong) == 0 {
		return 0, nil
	}
	anchor, err := domain.ParseTime(wrong[0].CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("assignment %s created_at: %w", wrong[0].ID, err)
	}
	limit := domain.FormatTime(anchor.Add(reassignmentWindow))
	res, err := tx.ExecContext(ctx,
		`UPDATE microtask_assignment SET status=?, last_updated_at=? WHERE worker_id=? AND status=? AND created_at >= ? AND created_at <= ?`,
		domain.AssignmentAssigned, now, workerID, domain.AssignmentExpired, wrong[0].CreatedAt, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
