package server

import (
	"encoding/json"

	"karya/internal/domain"
)

type CreateTaskRequest struct {
	WorkProviderID           string          `json:"work_provider_id,omitempty"`
	LanguageID               string          `json:"language_id,omitempty"`
	Scenario                 string          `json:"scenario"`
	Name                     string          `json:"name"`
	Description              string          `json:"description,omitempty"`
	Params                   json.RawMessage `json:"params,omitempty"`
	InputFileID              string          `json:"input_file_id,omitempty"`
	Budget                   *float64        `json:"budget,omitempty"`
	Deadline                 *string         `json:"deadline,omitempty"`
	AssignmentGranularity    string          `json:"assignment_granularity,omitempty"`
	GroupAssignmentOrder     string          `json:"group_assignment_order,omitempty"`
	MicrotaskAssignmentOrder string          `json:"microtask_assignment_order,omitempty"`
}

type TaskResponse struct {
	ID                       string          `json:"id"`
	WorkProviderID           string          `json:"work_provider_id,omitempty"`
	LanguageID               string          `json:"language_id,omitempty"`
	ScenarioID               string          `json:"scenario_id"`
	Name                     string          `json:"name"`
	Description              string          `json:"description,omitempty"`
	Params                   json.RawMessage `json:"params,omitempty"`
	Errors                   json.RawMessage `json:"errors,omitempty"`
	InputFileID              *string         `json:"input_file_id,omitempty"`
	OutputFileID             *string         `json:"output_file_id,omitempty"`
	Budget                   *float64        `json:"budget,omitempty"`
	Deadline                 *string         `json:"deadline,omitempty"`
	AssignmentGranularity    string          `json:"assignment_granularity"`
	GroupAssignmentOrder     string          `json:"group_assignment_order"`
	MicrotaskAssignmentOrder string          `json:"microtask_assignment_order"`
	Status                   string          `json:"status"`
	CreatedAt                string          `json:"created_at"`
	LastUpdatedAt            string          `json:"last_updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                       t.ID,
		WorkProviderID:           t.WorkProviderID,
		LanguageID:               t.LanguageID,
		ScenarioID:               t.ScenarioID,
		Name:                     t.Name,
		Description:              t.Description,
		Params:                   rawOrNil(t.ParamsJSON),
		Errors:                   rawOrNil(t.ErrorsJSON),
		InputFileID:              t.InputFileID,
		OutputFileID:             t.OutputFileID,
		Budget:                   t.Budget,
		Deadline:                 t.Deadline,
		AssignmentGranularity:    t.AssignmentGranularity,
		GroupAssignmentOrder:     t.GroupAssignmentOrder,
		MicrotaskAssignmentOrder: t.MicrotaskAssignmentOrder,
		Status:                   t.Status,
		CreatedAt:                t.CreatedAt,
		LastUpdatedAt:            t.LastUpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type CreateBoxRequest struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// BoxResponse omits the key; the key is only ever returned from registration.
type BoxResponse struct {
	ID                       string  `json:"id"`
	Name                     string  `json:"name"`
	CreationCode             string  `json:"creation_code,omitempty"`
	Location                 *string `json:"location,omitempty"`
	URL                      *string `json:"url,omitempty"`
	LastSentToServerAt       string  `json:"last_sent_to_server_at,omitempty"`
	LastReceivedFromServerAt string  `json:"last_received_from_server_at,omitempty"`
	CreatedAt                string  `json:"created_at"`
}

func boxResponse(b domain.Box) BoxResponse {
	return BoxResponse{
		ID:                       b.ID,
		Name:                     b.Name,
		CreationCode:             b.CreationCode,
		Location:                 b.LocationName,
		URL:                      b.URL,
		LastSentToServerAt:       b.LastSentToServerAt,
		LastReceivedFromServerAt: b.LastReceivedFromServerAt,
		CreatedAt:                b.CreatedAt,
	}
}

func mapBoxes(items []domain.Box) []BoxResponse {
	res := make([]BoxResponse, 0, len(items))
	for _, b := range items {
		res = append(res, boxResponse(b))
	}
	return res
}

type RegisterBoxRequest struct {
	CreationCode string `json:"creation_code"`
	Name         string `json:"name,omitempty"`
	URL          string `json:"url,omitempty"`
}

type RegisterBoxResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type WorkerResponse struct {
	ID          string  `json:"id"`
	BoxID       string  `json:"box_id"`
	FullName    *string `json:"full_name,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	AppLanguage *string `json:"app_language,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:          w.ID,
		BoxID:       w.BoxID,
		FullName:    w.FullName,
		PhoneNumber: w.PhoneNumber,
		AppLanguage: w.AppLanguage,
		CreatedAt:   w.CreatedAt,
	}
}

type AssignTaskRequest struct {
	BoxID    string  `json:"box_id"`
	Deadline *string `json:"deadline,omitempty"`
}

type TaskAssignmentResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	BoxID     string  `json:"box_id"`
	Policy    string  `json:"policy"`
	Deadline  *string `json:"deadline,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

func taskAssignmentResponse(ta domain.TaskAssignment) TaskAssignmentResponse {
	return TaskAssignmentResponse{
		ID:        ta.ID,
		TaskID:    ta.TaskID,
		BoxID:     ta.BoxID,
		Policy:    ta.Policy,
		Deadline:  ta.Deadline,
		Status:    ta.Status,
		CreatedAt: ta.CreatedAt,
	}
}

type LinkTasksRequest struct {
	FromTask string `json:"from_task"`
	ToTask   string `json:"to_task"`
	Chain    string `json:"chain"`
	Blocking bool   `json:"blocking,omitempty"`
	Grouping string `json:"grouping,omitempty"`
}

type TaskLinkResponse struct {
	ID        string `json:"id"`
	FromTask  string `json:"from_task"`
	ToTask    string `json:"to_task"`
	Chain     string `json:"chain"`
	Blocking  bool   `json:"blocking"`
	Grouping  string `json:"grouping"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func taskLinkResponse(l domain.TaskLink) TaskLinkResponse {
	return TaskLinkResponse{
		ID:        l.ID,
		FromTask:  l.FromTask,
		ToTask:    l.ToTask,
		Chain:     l.Chain,
		Blocking:  l.Blocking,
		Grouping:  l.Grouping,
		Status:    l.Status,
		CreatedAt: l.CreatedAt,
	}
}

type TaskOpResponse struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	OpType      string          `json:"op_type"`
	Status      string          `json:"status"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	FileID      *string         `json:"file_id,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func taskOpResponse(op domain.TaskOp) TaskOpResponse {
	return TaskOpResponse{
		ID:          op.ID,
		TaskID:      op.TaskID,
		OpType:      op.OpType,
		Status:      op.Status,
		StartedAt:   op.StartedAt,
		CompletedAt: op.CompletedAt,
		Messages:    rawOrNil(op.Messages),
		FileID:      op.FileID,
		CreatedAt:   op.CreatedAt,
	}
}

type FileResponse struct {
	ID            string  `json:"id"`
	ContainerName string  `json:"container_name"`
	Name          string  `json:"name"`
	Checksum      string  `json:"checksum"`
	Algorithm     string  `json:"algorithm"`
	InServer      bool    `json:"in_server"`
	URL           *string `json:"url,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func fileResponse(f domain.KaryaFile) FileResponse {
	return FileResponse{
		ID:            f.ID,
		ContainerName: f.ContainerName,
		Name:          f.Name,
		Checksum:      f.Checksum,
		Algorithm:     f.Algorithm,
		InServer:      f.InServer,
		URL:           f.URL,
		CreatedAt:     f.CreatedAt,
	}
}

type AssignWorkerRequest struct {
	MaxCredits float64 `json:"max_credits,omitempty"`
	BatchSize  int     `json:"batch_size,omitempty"`
}

type MicrotaskAssignmentResponse struct {
	ID          string  `json:"id"`
	MicrotaskID string  `json:"microtask_id"`
	WorkerID    string  `json:"worker_id"`
	Deadline    *string `json:"deadline,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

func microtaskAssignmentResponse(a domain.MicrotaskAssignment) MicrotaskAssignmentResponse {
	return MicrotaskAssignmentResponse{
		ID:          a.ID,
		MicrotaskID: a.MicrotaskID,
		WorkerID:    a.WorkerID,
		Deadline:    a.Deadline,
		Status:      a.Status,
		CreatedAt:   a.CreatedAt,
	}
}

type CreateLanguageRequest struct {
	Name                string `json:"name"`
	PrimaryLanguageName string `json:"primary_language_name,omitempty"`
	Locale              string `json:"locale,omitempty"`
}

type LanguageResponse struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	PrimaryLanguageName string `json:"primary_language_name,omitempty"`
	Locale              string `json:"locale,omitempty"`
	CreatedAt           string `json:"created_at"`
}

func languageResponse(l domain.Language) LanguageResponse {
	return LanguageResponse{
		ID:                  l.ID,
		Name:                l.Name,
		PrimaryLanguageName: l.PrimaryLanguageName,
		Locale:              l.Locale,
		CreatedAt:           l.CreatedAt,
	}
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
