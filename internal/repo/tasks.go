package repo

import (
	"context"
	"database/sql"
	"strings"

	"karya/internal/domain"
)

const taskColumns = `id,work_provider_id,language_id,scenario_id,name,description,params,errors,input_file_id,output_file_id,budget,deadline,assignment_granularity,group_assignment_order,microtask_assignment_order,status,created_at,last_updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var inputFile, outputFile, deadline sql.NullString
	var budget sql.NullFloat64
	err := s.Scan(&t.ID, &t.WorkProviderID, &t.LanguageID, &t.ScenarioID, &t.Name, &t.Description,
		&t.ParamsJSON, &t.ErrorsJSON, &inputFile, &outputFile, &budget, &deadline,
		&t.AssignmentGranularity, &t.GroupAssignmentOrder, &t.MicrotaskAssignmentOrder,
		&t.Status, &t.CreatedAt, &t.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.InputFileID = optional(inputFile)
	t.OutputFileID = optional(outputFile)
	t.Budget = optionalFloat(budget)
	t.Deadline = optional(deadline)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id=?`, id))
}

type TaskFilters struct {
	Status     string
	ScenarioID string
}

func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ScenarioID != "" {
		clauses = append(clauses, "scenario_id=?")
		args = append(args, f.ScenarioID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM task `+where+` ORDER BY created_at, CAST(id AS INTEGER)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const microtaskColumns = `id,task_id,group_id,input,input_file_id,deadline,credits,status,output,params,created_at,last_updated_at`

func scanMicrotask(s scanner) (domain.Microtask, error) {
	var m domain.Microtask
	var groupID, inputFile, deadline sql.NullString
	err := s.Scan(&m.ID, &m.TaskID, &groupID, &m.InputJSON, &inputFile, &deadline,
		&m.Credits, &m.Status, &m.OutputJSON, &m.ParamsJSON, &m.CreatedAt, &m.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.GroupID = optional(groupID)
	m.InputFileID = optional(inputFile)
	m.Deadline = optional(deadline)
	return m, nil
}

func (r Repo) GetMicrotask(ctx context.Context, q Querier, id string) (domain.Microtask, error) {
	return scanMicrotask(q.QueryRowContext(ctx, `SELECT `+microtaskColumns+` FROM microtask WHERE id=?`, id))
}

func (r Repo) ListMicrotasksForTask(ctx context.Context, q Querier, taskID, status string) ([]domain.Microtask, error) {
	query := `SELECT ` + microtaskColumns + ` FROM microtask WHERE task_id=?`
	args := []any{taskID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	// ids are decimal text; cast so "10" does not sort before "2"
	return r.queryMicrotasks(ctx, q, query+` ORDER BY CAST(id AS INTEGER)`, args...)
}

// MicrotasksByIDs returns the named microtasks; missing ids are skipped.
func (r Repo) MicrotasksByIDs(ctx context.Context, q Querier, ids []string) ([]domain.Microtask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + microtaskColumns + ` FROM microtask WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY CAST(id AS INTEGER)`
	return r.queryMicrotasks(ctx, q, query, args...)
}

// CompletedMicrotasksInWindow returns microtasks of a task that completed in
// the half-open window (from, to].
func (r Repo) CompletedMicrotasksInWindow(ctx context.Context, q Querier, taskID, from, to string) ([]domain.Microtask, error) {
	return r.queryMicrotasks(ctx, q,
		`SELECT `+microtaskColumns+` FROM microtask WHERE task_id=? AND status=? AND last_updated_at > ? AND last_updated_at <= ? ORDER BY CAST(id AS INTEGER)`,
		taskID, domain.MicrotaskCompleted, from, to)
}

func (r Repo) queryMicrotasks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Microtask, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Microtask
	for rows.Next() {
		m, err := scanMicrotask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMicrotaskGroup(ctx context.Context, q Querier, id string) (domain.MicrotaskGroup, error) {
	var g domain.MicrotaskGroup
	err := q.QueryRowContext(ctx, `SELECT id,task_id,microtask_assignment_order,status,params,created_at,last_updated_at FROM microtask_group WHERE id=?`, id).
		Scan(&g.ID, &g.TaskID, &g.MicrotaskAssignmentOrder, &g.Status, &g.ParamsJSON, &g.CreatedAt, &g.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

const linkColumns = `id,from_task,to_task,chain,blocking,grouping,status,params,created_at,last_updated_at`

func scanLink(s scanner) (domain.TaskLink, error) {
	var l domain.TaskLink
	err := s.Scan(&l.ID, &l.FromTask, &l.ToTask, &l.Chain, &l.Blocking, &l.Grouping,
		&l.Status, &l.ParamsJSON, &l.CreatedAt, &l.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetTaskLink(ctx context.Context, q Querier, id string) (domain.TaskLink, error) {
	return scanLink(q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM task_link WHERE id=?`, id))
}

// ActiveLinksFrom returns active links whose source is the given task.
func (r Repo) ActiveLinksFrom(ctx context.Context, q Querier, taskID string) ([]domain.TaskLink, error) {
	return r.queryLinks(ctx, q, `SELECT `+linkColumns+` FROM task_link WHERE from_task=? AND status=? ORDER BY CAST(id AS INTEGER)`, taskID, domain.LinkActive)
}

// ActiveLinksTo returns active links whose destination is the given task.
func (r Repo) ActiveLinksTo(ctx context.Context, q Querier, taskID string) ([]domain.TaskLink, error) {
	return r.queryLinks(ctx, q, `SELECT `+linkColumns+` FROM task_link WHERE to_task=? AND status=? ORDER BY CAST(id AS INTEGER)`, taskID, domain.LinkActive)
}

func (r Repo) queryLinks(ctx context.Context, q Querier, query string, args ...any) ([]domain.TaskLink, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
