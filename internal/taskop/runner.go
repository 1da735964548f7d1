package taskop

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"karya/internal/domain"
	"karya/internal/events"
)

// FollowUp is an op a handler wants scheduled once its own transaction has
// committed. Enqueueing inside the transaction would contend for the write
// lock, so follow-ups are deferred to the runner.
type FollowUp struct {
	TaskID string
	OpType string
}

// Handler executes one op invocation. All of its writes happen inside the
// supplied transaction; a returned error rolls every write back before the
// op is marked FAILED, so re-running the window cannot duplicate effects.
type Handler func(ctx context.Context, tx *sql.Tx, op domain.TaskOp, w Window) ([]FollowUp, error)

// Runner wraps handlers with ledger bookkeeping. Handler errors are recorded
// on the op row and never propagate; only infrastructure failures (cannot
// reach the database at all) are returned.
type Runner struct {
	DB     *sql.DB
	Ledger Ledger
	Events events.Writer
	Logger *log.Logger
	// Enqueue schedules follow-up ops; wired to Queue.Enqueue at startup.
	Enqueue  func(ctx context.Context, taskID, opType string) (domain.TaskOp, error)
	handlers map[string]Handler
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Handle registers the handler for an op type.
func (r *Runner) Handle(opType string, h Handler) {
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[opType] = h
}

// Run executes a previously created op: RUNNING, handler inside one
// transaction over the computed window, then COMPLETED or FAILED, then any
// follow-up ops.
func (r *Runner) Run(ctx context.Context, op domain.TaskOp) error {
	h, ok := r.handlers[op.OpType]
	if !ok {
		return r.finishFailed(ctx, op, fmt.Errorf("no handler for op type %s", op.OpType))
	}
	if err := r.Ledger.Start(ctx, r.DB, op); err != nil {
		return fmt.Errorf("start op %s: %w", op.ID, err)
	}
	window, err := r.Ledger.Window(ctx, r.DB, op)
	if err != nil {
		return r.finishFailed(ctx, op, err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin op %s: %w", op.ID, err)
	}
	followUps, err := h(ctx, tx, op, window)
	if err != nil {
		tx.Rollback()
		return r.finishFailed(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return r.finishFailed(ctx, op, err)
	}
	if err := r.finishCompleted(ctx, op); err != nil {
		return err
	}
	for _, f := range followUps {
		if r.Enqueue == nil {
			break
		}
		if _, err := r.Enqueue(ctx, f.TaskID, f.OpType); err != nil {
			r.logger().Printf("enqueue follow-up %s for task %s: %v", f.OpType, f.TaskID, err)
		}
	}
	return nil
}

func (r *Runner) finishCompleted(ctx context.Context, op domain.TaskOp) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Ledger.Complete(ctx, tx, op); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "op.completed", "task_op", op.ID, "", events.EventPayload{
		"task_id": op.TaskID,
		"op_type": op.OpType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) finishFailed(ctx context.Context, op domain.TaskOp, cause error) error {
	r.logger().Printf("op %s (%s on task %s) failed: %v", op.ID, op.OpType, op.TaskID, cause)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Ledger.Fail(ctx, tx, op, cause); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "op.failed", "task_op", op.ID, "", events.EventPayload{
		"task_id": op.TaskID,
		"op_type": op.OpType,
		"error":   cause.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
