package repo

import (
	"context"
	"database/sql"
	"errors"

	"karya/internal/domain"
	"karya/internal/store"
)

// Querier is satisfied by *sql.DB and *sql.Tx; every accessor takes one so
// callers choose the transactional boundary.
type Querier = store.Querier

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

const boxColumns = `id,creation_code,name,location_name,url,"key",last_sent_to_server_at,last_received_from_server_at,params,created_at,last_updated_at`

func scanBox(s scanner) (domain.Box, error) {
	var b domain.Box
	var location, url, key sql.NullString
	err := s.Scan(&b.ID, &b.CreationCode, &b.Name, &location, &url, &key,
		&b.LastSentToServerAt, &b.LastReceivedFromServerAt, &b.ParamsJSON, &b.CreatedAt, &b.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.LocationName = optional(location)
	b.URL = optional(url)
	b.Key = optional(key)
	return b, nil
}

func (r Repo) GetBox(ctx context.Context, q Querier, id string) (domain.Box, error) {
	return scanBox(q.QueryRowContext(ctx, `SELECT `+boxColumns+` FROM box WHERE id=?`, id))
}

func (r Repo) GetBoxByCreationCode(ctx context.Context, q Querier, code string) (domain.Box, error) {
	return scanBox(q.QueryRowContext(ctx, `SELECT `+boxColumns+` FROM box WHERE creation_code=?`, code))
}

func (r Repo) ListBoxes(ctx context.Context, q Querier) ([]domain.Box, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+boxColumns+` FROM box ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Box
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

const workerColumns = `id,local_id,box_id,creation_code,full_name,phone_number,app_language,params,created_at,last_updated_at`

func scanWorker(s scanner) (domain.Worker, error) {
	var w domain.Worker
	var fullName, phone, lang sql.NullString
	err := s.Scan(&w.ID, &w.LocalID, &w.BoxID, &w.CreationCode, &fullName, &phone, &lang,
		&w.ParamsJSON, &w.CreatedAt, &w.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.FullName = optional(fullName)
	w.PhoneNumber = optional(phone)
	w.AppLanguage = optional(lang)
	return w, nil
}

func (r Repo) GetWorker(ctx context.Context, q Querier, id string) (domain.Worker, error) {
	return scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM worker WHERE id=?`, id))
}

func (r Repo) ListWorkersForBox(ctx context.Context, q Querier, boxID string) ([]domain.Worker, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+workerColumns+` FROM worker WHERE box_id=? ORDER BY local_id`, boxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const scenarioColumns = `id,name,full_name,description,assignment_granularity,group_assignment_order,microtask_assignment_order,enabled,task_params,params,created_at,last_updated_at`

func scanScenario(s scanner) (domain.Scenario, error) {
	var sc domain.Scenario
	err := s.Scan(&sc.ID, &sc.Name, &sc.FullName, &sc.Description, &sc.AssignmentGranularity,
		&sc.GroupAssignmentOrder, &sc.MicrotaskAssignmentOrder, &sc.Enabled,
		&sc.TaskParamsJSON, &sc.ParamsJSON, &sc.CreatedAt, &sc.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return sc, ErrNotFound
	}
	return sc, err
}

func (r Repo) GetScenario(ctx context.Context, q Querier, id string) (domain.Scenario, error) {
	return scanScenario(q.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenario WHERE id=?`, id))
}

func (r Repo) GetScenarioByName(ctx context.Context, q Querier, name string) (domain.Scenario, error) {
	return scanScenario(q.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenario WHERE name=?`, name))
}

func (r Repo) GetLanguage(ctx context.Context, q Querier, id string) (domain.Language, error) {
	var l domain.Language
	err := q.QueryRowContext(ctx, `SELECT id,name,primary_language_name,locale,params,created_at,last_updated_at FROM language WHERE id=?`, id).
		Scan(&l.ID, &l.Name, &l.PrimaryLanguageName, &l.Locale, &l.ParamsJSON, &l.CreatedAt, &l.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

const fileColumns = `id,local_id,box_id,container_name,name,url,creator,worker_id,algorithm,checksum,in_box,in_server,params,created_at,last_updated_at`

func scanKaryaFile(s scanner) (domain.KaryaFile, error) {
	var f domain.KaryaFile
	var boxID, url, workerID sql.NullString
	err := s.Scan(&f.ID, &f.LocalID, &boxID, &f.ContainerName, &f.Name, &url, &f.Creator,
		&workerID, &f.Algorithm, &f.Checksum, &f.InBox, &f.InServer, &f.ParamsJSON, &f.CreatedAt, &f.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.BoxID = optional(boxID)
	f.URL = optional(url)
	f.WorkerID = optional(workerID)
	return f, nil
}

func (r Repo) GetKaryaFile(ctx context.Context, q Querier, id string) (domain.KaryaFile, error) {
	return scanKaryaFile(q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM karya_file WHERE id=?`, id))
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optionalFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
