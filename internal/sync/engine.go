package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"karya/internal/blob"
	"karya/internal/domain"
	"karya/internal/events"
	"karya/internal/lifecycle"
	"karya/internal/repo"
	"karya/internal/store"
)

// ErrForbidden marks a push that touches tables or rows the calling box may
// not write. The whole batch is rejected before any row is applied.
var ErrForbidden = errors.New("forbidden")

const defaultSignedURLTTL = time.Hour

// RowResult reports the outcome of applying one pushed row.
type RowResult struct {
	TableName string `json:"tableName"`
	ID        string `json:"id"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// Engine moves rows between the server and its boxes. Pull assembles the
// closure of records a box needs; push applies box-owned rows and fires the
// assignment completion trigger.
type Engine struct {
	DB           *sql.DB
	Store        store.Store
	Repo         repo.Repo
	Blob         blob.Registry
	Lifecycle    lifecycle.Lifecycle
	Events       events.Writer
	Now          func() time.Time
	SignedURLTTL time.Duration
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ttl() time.Duration {
	if e.SignedURLTTL > 0 {
		return e.SignedURLTTL
	}
	return defaultSignedURLTTL
}

// GetUpdatesForBox returns every row the box needs that changed after from:
// global language/scenario rows, the box's task assignments with the closure
// of their assigned tasks (task, groups, microtasks, referenced files), and
// verification results for the box's own assignments. Buckets come out in
// parent-before-child order; file URLs are replaced with short-lived signed
// read URLs.
func (e Engine) GetUpdatesForBox(ctx context.Context, box domain.Box, from string) ([]domain.TableUpdates, error) {
	if from == "" {
		from = domain.Epoch
	}
	buckets := map[string][]domain.Row{}

	for _, table := range []string{"language", "scenario"} {
		rows, err := e.Store.GetSince(ctx, e.DB, table, from, "", nil)
		if err != nil {
			return nil, err
		}
		buckets[table] = rows
	}

	taRows, err := e.Store.GetSince(ctx, e.DB, "task_assignment", from, "", domain.Row{"box_id": box.ID})
	if err != nil {
		return nil, err
	}
	buckets["task_assignment"] = taRows

	assigned, err := e.Repo.ListTaskAssignments(ctx, e.DB, box.ID, domain.TaskAssignmentAssigned)
	if err != nil {
		return nil, err
	}
	fileIDs := map[string]bool{}
	for _, ta := range assigned {
		taskRows, err := e.Store.GetSince(ctx, e.DB, "task", from, "", domain.Row{"id": ta.TaskID})
		if err != nil {
			return nil, err
		}
		buckets["task"] = append(buckets["task"], taskRows...)
		groupRows, err := e.Store.GetSince(ctx, e.DB, "microtask_group", from, "", domain.Row{"task_id": ta.TaskID})
		if err != nil {
			return nil, err
		}
		buckets["microtask_group"] = append(buckets["microtask_group"], groupRows...)
		microtaskRows, err := e.Store.GetSince(ctx, e.DB, "microtask", from, "", domain.Row{"task_id": ta.TaskID})
		if err != nil {
			return nil, err
		}
		buckets["microtask"] = append(buckets["microtask"], microtaskRows...)

		task, err := e.Repo.GetTask(ctx, e.DB, ta.TaskID)
		if err != nil {
			return nil, err
		}
		if task.InputFileID != nil {
			fileIDs[*task.InputFileID] = true
		}
		for _, row := range microtaskRows {
			if id, ok := row["input_file_id"].(string); ok {
				fileIDs[id] = true
			}
		}
	}

	for id := range fileIDs {
		rows, err := e.Store.GetSince(ctx, e.DB, "karya_file", from, "", domain.Row{"id": id})
		if err != nil {
			return nil, err
		}
		buckets["karya_file"] = append(buckets["karya_file"], rows...)
	}
	for _, row := range buckets["karya_file"] {
		if err := e.signFileURL(row); err != nil {
			return nil, err
		}
	}

	verified, err := e.Store.GetSince(ctx, e.DB, "microtask_assignment", from, "",
		domain.Row{"box_id": box.ID, "status": domain.AssignmentVerified})
	if err != nil {
		return nil, err
	}
	buckets["microtask_assignment"] = verified

	if err := e.Store.UpdateSingle(ctx, e.DB, "box", domain.Row{"id": box.ID},
		domain.Row{"last_received_from_server_at": domain.FormatTime(e.now())}); err != nil {
		return nil, err
	}

	var updates []domain.TableUpdates
	for _, t := range store.Registry {
		if rows := buckets[t.Name]; len(rows) > 0 {
			updates = append(updates, domain.TableUpdates{TableName: t.Name, Rows: rows})
		}
	}
	return updates, nil
}

func (e Engine) signFileURL(row domain.Row) error {
	url, ok := row["url"].(string)
	if !ok || url == "" {
		return nil
	}
	signed, err := e.Blob.SignedReadURL(url, e.ttl())
	if err != nil {
		return fmt.Errorf("sign file %v: %w", row["id"], err)
	}
	row["url"] = signed
	return nil
}

// ApplyUpdatesFromBox validates the whole batch, then applies rows in
// submitted order, each in its own transaction. A microtask assignment whose
// stored status was missing or assigned and arrives completed fires the
// completion trigger exactly once, before the next row is applied. Applied
// in a row's result reports whether the row is stored; a trigger failure
// after the row committed surfaces in Error with Applied still true.
func (e Engine) ApplyUpdatesFromBox(ctx context.Context, box domain.Box, updates []domain.TableUpdates) ([]RowResult, error) {
	if err := e.validate(box, updates); err != nil {
		return nil, err
	}

	var results []RowResult
	applied := 0
	for _, bucket := range updates {
		for _, row := range bucket.Rows {
			id, _ := row["id"].(string)
			stored, err := e.applyRow(ctx, box, bucket.TableName, row)
			res := RowResult{TableName: bucket.TableName, ID: id, Applied: stored}
			if err != nil {
				res.Error = err.Error()
			}
			if stored {
				applied++
			}
			results = append(results, res)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return results, err
	}
	defer tx.Rollback()
	if err := e.Store.UpdateSingle(ctx, tx, "box", domain.Row{"id": box.ID},
		domain.Row{"last_sent_to_server_at": domain.FormatTime(e.now())}); err != nil {
		return results, err
	}
	if err := e.Events.Append(ctx, tx, "sync.push", "box", box.ID, box.ID, events.EventPayload{
		"rows":    len(results),
		"applied": applied,
	}); err != nil {
		return results, err
	}
	return results, tx.Commit()
}

// validate rejects the batch when any bucket names a table boxes cannot
// write, or any row claims a different box's identity.
func (e Engine) validate(box domain.Box, updates []domain.TableUpdates) error {
	for _, bucket := range updates {
		t, ok := store.Lookup(bucket.TableName)
		if !ok || !t.BoxUpdatable {
			return fmt.Errorf("table %s is not box-updatable: %w", bucket.TableName, ErrForbidden)
		}
		for _, row := range bucket.Rows {
			id, _ := row["id"].(string)
			if id == "" {
				return fmt.Errorf("table %s: row without id: %w", bucket.TableName, ErrForbidden)
			}
			boxID, _ := row["box_id"].(string)
			if boxID != box.ID {
				return fmt.Errorf("table %s row %s: box_id %q is not the caller: %w", bucket.TableName, id, boxID, ErrForbidden)
			}
		}
	}
	return nil
}

// applyRow reads the previous row state and upserts inside one transaction,
// so concurrent pushes of the same completion cannot both observe the
// pre-completed status. The returned bool reports whether the row is stored;
// a trigger failure after commit comes back as (true, err).
func (e Engine) applyRow(ctx context.Context, box domain.Box, table string, row domain.Row) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	trigger := false
	if table == "microtask_assignment" {
		prevStatus := ""
		prev, err := e.Store.GetSingle(ctx, tx, table, domain.Row{"id": row["id"]})
		if err == nil {
			prevStatus, _ = prev["status"].(string)
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		incoming, _ := row["status"].(string)
		if incoming == domain.AssignmentCompleted &&
			(prevStatus == "" || prevStatus == domain.AssignmentAssigned) {
			trigger = true
			row["submitted_to_server_at"] = domain.FormatTime(e.now())
		}
	}

	if err := e.Store.Upsert(ctx, tx, table, row); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if trigger {
		a, err := e.Repo.GetAssignment(ctx, e.DB, row["id"].(string))
		if err != nil {
			return true, err
		}
		if err := e.Lifecycle.HandleAssignmentCompletion(ctx, a); err != nil {
			return true, err
		}
	}
	return true, nil
}
