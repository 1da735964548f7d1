package taskop

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"karya/internal/domain"
	"karya/internal/store"
)

// Window is the half-open time range (From, To] a single op invocation is
// responsible for.
type Window struct {
	From string
	To   string
}

// Ledger records every background operation invocation in the task_op table.
// The table is the single arbiter of window ownership: an op's window starts
// at the created_at of the last COMPLETED op of the same kind, so a failed
// run's range is re-covered by the next invocation.
type Ledger struct {
	DB    *sql.DB
	Store store.Store
	Now   func() time.Time
}

func (l Ledger) now() string {
	if l.Now != nil {
		return domain.FormatTime(l.Now())
	}
	return domain.FormatTime(time.Now())
}

const opColumns = `id,task_id,op_type,status,started_at,completed_at,messages,file_id,created_at,last_updated_at`

func scanOp(s interface{ Scan(...any) error }) (domain.TaskOp, error) {
	var op domain.TaskOp
	var startedAt, completedAt, fileID sql.NullString
	err := s.Scan(&op.ID, &op.TaskID, &op.OpType, &op.Status, &startedAt, &completedAt,
		&op.Messages, &fileID, &op.CreatedAt, &op.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return op, store.ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if startedAt.Valid {
		op.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.String
	}
	if fileID.Valid {
		op.FileID = &fileID.String
	}
	return op, nil
}

// Create inserts a PENDING op row. This happens at enqueue time so the op's
// created_at, not its execution time, anchors its window.
func (l Ledger) Create(ctx context.Context, taskID, opType string) (domain.TaskOp, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskOp{}, err
	}
	defer tx.Rollback()
	row, err := l.Store.Insert(ctx, tx, "task_op", domain.Row{
		"task_id":  taskID,
		"op_type":  opType,
		"status":   domain.OpPending,
		"messages": "[]",
	})
	if err != nil {
		return domain.TaskOp{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskOp{}, err
	}
	return l.Get(ctx, l.DB, row["id"].(string))
}

func (l Ledger) Get(ctx context.Context, q store.Querier, id string) (domain.TaskOp, error) {
	return scanOp(q.QueryRowContext(ctx, `SELECT `+opColumns+` FROM task_op WHERE id=?`, id))
}

// Start transitions the op to RUNNING.
func (l Ledger) Start(ctx context.Context, q store.Querier, op domain.TaskOp) error {
	return l.Store.UpdateSingle(ctx, q, "task_op",
		domain.Row{"id": op.ID},
		domain.Row{"status": domain.OpRunning, "started_at": l.now()})
}

// Complete marks the op COMPLETED, making its window the predecessor of the
// next invocation.
func (l Ledger) Complete(ctx context.Context, q store.Querier, op domain.TaskOp) error {
	return l.Store.UpdateSingle(ctx, q, "task_op",
		domain.Row{"id": op.ID},
		domain.Row{"status": domain.OpCompleted, "completed_at": l.now()})
}

// Fail marks the op FAILED with the captured error. FAILED is terminal for
// the invocation but not for the task; the failed window is re-covered later.
func (l Ledger) Fail(ctx context.Context, q store.Querier, op domain.TaskOp, cause error) error {
	msgs := []string{}
	if op.Messages != "" {
		_ = json.Unmarshal([]byte(op.Messages), &msgs)
	}
	msgs = append(msgs, cause.Error())
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return l.Store.UpdateSingle(ctx, q, "task_op",
		domain.Row{"id": op.ID},
		domain.Row{"status": domain.OpFailed, "completed_at": l.now(), "messages": string(data)})
}

// SetFile records an output file on the op row.
func (l Ledger) SetFile(ctx context.Context, q store.Querier, op domain.TaskOp, fileID string) error {
	return l.Store.UpdateSingle(ctx, q, "task_op",
		domain.Row{"id": op.ID}, domain.Row{"file_id": fileID})
}

// PreviousOpTime returns the created_at of the most recent other COMPLETED op
// with the same task and type, or the epoch when none exists.
func (l Ledger) PreviousOpTime(ctx context.Context, q store.Querier, op domain.TaskOp) (string, error) {
	var ts string
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM task_op WHERE task_id=? AND op_type=? AND status=? AND id != ? ORDER BY created_at DESC LIMIT 1`,
		op.TaskID, op.OpType, domain.OpCompleted, op.ID).Scan(&ts)
	if err == sql.ErrNoRows {
		return domain.Epoch, nil
	}
	if err != nil {
		return "", fmt.Errorf("previous op time: %w", err)
	}
	return ts, nil
}

// LatestOpTime returns the created_at of the most recent non-FAILED op of the
// given kind, or the epoch. Used to throttle op scheduling.
func (l Ledger) LatestOpTime(ctx context.Context, q store.Querier, taskID, opType string) (string, error) {
	var ts string
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM task_op WHERE task_id=? AND op_type=? AND status != ? ORDER BY created_at DESC LIMIT 1`,
		taskID, opType, domain.OpFailed).Scan(&ts)
	if err == sql.ErrNoRows {
		return domain.Epoch, nil
	}
	if err != nil {
		return "", fmt.Errorf("latest op time: %w", err)
	}
	return ts, nil
}

// Window computes the working range of an op: from the last COMPLETED
// predecessor's created_at (exclusive) to this op's created_at (inclusive).
func (l Ledger) Window(ctx context.Context, q store.Querier, op domain.TaskOp) (Window, error) {
	from, err := l.PreviousOpTime(ctx, q, op)
	if err != nil {
		return Window{}, err
	}
	return Window{From: from, To: op.CreatedAt}, nil
}

// ListOps returns ops for a task, newest first.
func (l Ledger) ListOps(ctx context.Context, q store.Querier, taskID string) ([]domain.TaskOp, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+opColumns+` FROM task_op WHERE task_id=? ORDER BY created_at DESC, CAST(id AS INTEGER) DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}
