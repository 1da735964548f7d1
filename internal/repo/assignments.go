package repo

import (
	"context"
	"database/sql"
	"strings"

	"karya/internal/domain"
)

const taskAssignmentColumns = `id,task_id,box_id,policy,deadline,status,params,created_at,last_updated_at`

func scanTaskAssignment(s scanner) (domain.TaskAssignment, error) {
	var a domain.TaskAssignment
	var deadline sql.NullString
	err := s.Scan(&a.ID, &a.TaskID, &a.BoxID, &a.Policy, &deadline, &a.Status,
		&a.ParamsJSON, &a.CreatedAt, &a.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Deadline = optional(deadline)
	return a, nil
}

func (r Repo) GetTaskAssignment(ctx context.Context, q Querier, id string) (domain.TaskAssignment, error) {
	return scanTaskAssignment(q.QueryRowContext(ctx, `SELECT `+taskAssignmentColumns+` FROM task_assignment WHERE id=?`, id))
}

// TaskAssignmentFor returns the assignment of a task to a box, if any.
func (r Repo) TaskAssignmentFor(ctx context.Context, q Querier, taskID, boxID string) (domain.TaskAssignment, error) {
	return scanTaskAssignment(q.QueryRowContext(ctx,
		`SELECT `+taskAssignmentColumns+` FROM task_assignment WHERE task_id=? AND box_id=?`, taskID, boxID))
}

func (r Repo) ListTaskAssignments(ctx context.Context, q Querier, boxID, status string) ([]domain.TaskAssignment, error) {
	var clauses []string
	var args []any
	if boxID != "" {
		clauses = append(clauses, "box_id=?")
		args = append(args, boxID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+taskAssignmentColumns+` FROM task_assignment `+where+` ORDER BY created_at, CAST(id AS INTEGER)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAssignment
	for rows.Next() {
		a, err := scanTaskAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const assignmentColumns = `id,local_id,box_id,microtask_id,worker_id,deadline,status,completed_at,submitted_to_server_at,verified_at,output,output_file_id,credits,report,params,created_at,last_updated_at`

func scanAssignment(s scanner) (domain.MicrotaskAssignment, error) {
	var a domain.MicrotaskAssignment
	var deadline, completedAt, submittedAt, verifiedAt, outputFile sql.NullString
	var credits sql.NullFloat64
	err := s.Scan(&a.ID, &a.LocalID, &a.BoxID, &a.MicrotaskID, &a.WorkerID, &deadline, &a.Status,
		&completedAt, &submittedAt, &verifiedAt, &a.OutputJSON, &outputFile, &credits,
		&a.ReportJSON, &a.ParamsJSON, &a.CreatedAt, &a.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Deadline = optional(deadline)
	a.CompletedAt = optional(completedAt)
	a.SubmittedToServerAt = optional(submittedAt)
	a.VerifiedAt = optional(verifiedAt)
	a.OutputFileID = optional(outputFile)
	a.Credits = optionalFloat(credits)
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, q Querier, id string) (domain.MicrotaskAssignment, error) {
	return scanAssignment(q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM microtask_assignment WHERE id=?`, id))
}

func (r Repo) AssignmentsByIDs(ctx context.Context, q Querier, ids []string) ([]domain.MicrotaskAssignment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryAssignments(ctx, q,
		`SELECT `+assignmentColumns+` FROM microtask_assignment WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`) ORDER BY CAST(id AS INTEGER)`, args...)
}

// CompletedAssignmentsInWindow returns completed assignments of a task whose
// server arrival falls in the half-open window (from, to].
func (r Repo) CompletedAssignmentsInWindow(ctx context.Context, q Querier, taskID, from, to string) ([]domain.MicrotaskAssignment, error) {
	return r.queryAssignments(ctx, q,
		`SELECT `+prefixed(assignmentColumns, "a")+` FROM microtask_assignment a
JOIN microtask m ON m.id = a.microtask_id
WHERE m.task_id=? AND a.status=? AND a.submitted_to_server_at > ? AND a.submitted_to_server_at <= ?
ORDER BY CAST(a.id AS INTEGER)`, taskID, domain.AssignmentCompleted, from, to)
}

// AssignmentsForMicrotask returns assignments of one microtask, optionally
// restricted to a status set.
func (r Repo) AssignmentsForMicrotask(ctx context.Context, q Querier, microtaskID string, statuses ...string) ([]domain.MicrotaskAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM microtask_assignment WHERE microtask_id=?`
	args := []any{microtaskID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	return r.queryAssignments(ctx, q, query+` ORDER BY CAST(id AS INTEGER)`, args...)
}

// CountLiveAssignments counts assignments of a microtask that still count
// against its assignment budget (anything except skipped and expired).
func (r Repo) CountLiveAssignments(ctx context.Context, q Querier, microtaskID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM microtask_assignment WHERE microtask_id=? AND status NOT IN (?,?)`,
		microtaskID, domain.AssignmentSkipped, domain.AssignmentExpired).Scan(&n)
	return n, err
}

func (r Repo) AssignmentsForWorker(ctx context.Context, q Querier, workerID string, statuses ...string) ([]domain.MicrotaskAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM microtask_assignment WHERE worker_id=?`
	args := []any{workerID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	return r.queryAssignments(ctx, q, query+` ORDER BY created_at, CAST(id AS INTEGER)`, args...)
}

// WronglyExpiredAssignments returns expired assignments of a worker whose
// deadline is still in the future, earliest created first.
func (r Repo) WronglyExpiredAssignments(ctx context.Context, q Querier, workerID, now string) ([]domain.MicrotaskAssignment, error) {
	return r.queryAssignments(ctx, q,
		`SELECT `+assignmentColumns+` FROM microtask_assignment WHERE worker_id=? AND status=? AND deadline IS NOT NULL AND deadline > ? ORDER BY created_at, CAST(id AS INTEGER)`,
		workerID, domain.AssignmentExpired, now)
}

// VerifiedAssignmentsInWindow returns verified assignments of a task whose
// verification time falls in the half-open window (from, to].
func (r Repo) VerifiedAssignmentsInWindow(ctx context.Context, q Querier, taskID, from, to string) ([]domain.MicrotaskAssignment, error) {
	return r.queryAssignments(ctx, q,
		`SELECT `+prefixed(assignmentColumns, "a")+` FROM microtask_assignment a
JOIN microtask m ON m.id = a.microtask_id
WHERE m.task_id=? AND a.status=? AND a.verified_at > ? AND a.verified_at <= ?
ORDER BY CAST(a.id AS INTEGER)`, taskID, domain.AssignmentVerified, from, to)
}

func (r Repo) queryAssignments(ctx context.Context, q Querier, query string, args ...any) ([]domain.MicrotaskAssignment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MicrotaskAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}
