package domain

// Row is a single table row in wire form, keyed by column name. Boxes and the
// server exchange rows in this shape; typed records below are used by the
// orchestration code.
type Row map[string]any

// TableUpdates is one sync bucket: all changed rows of one table, in apply order.
type TableUpdates struct {
	TableName string `json:"tableName"`
	Rows      []Row  `json:"rows"`
}

// Task statuses.
const (
	TaskCreated    = "created"
	TaskSubmitted  = "submitted"
	TaskValidating = "validating"
	TaskValidated  = "validated"
	TaskInvalid    = "invalid"
	TaskApproving  = "approving"
	TaskApproved   = "approved"
	TaskAssigned   = "assigned"
	TaskCompleted  = "completed"
)

// Microtask and microtask group statuses.
const (
	MicrotaskIncomplete = "incomplete"
	MicrotaskCompleted  = "completed"
)

// Task assignment statuses.
const (
	TaskAssignmentAssigned  = "assigned"
	TaskAssignmentSent      = "sent"
	TaskAssignmentCompleted = "completed"
)

// Microtask assignment statuses.
const (
	AssignmentAssigned  = "assigned"
	AssignmentSkipped   = "skipped"
	AssignmentExpired   = "expired"
	AssignmentCompleted = "completed"
	AssignmentSubmitted = "submitted"
	AssignmentVerified  = "verified"
)

// Task op types.
const (
	OpHandleAssignmentCompletion = "HANDLE_ASSIGNMENT_COMPLETION"
	OpExecuteForwardTaskLink     = "EXECUTE_FORWARD_TASK_LINK"
	OpExecuteBackwardTaskLink    = "EXECUTE_BACKWARD_TASK_LINK"
	OpInputProcessor             = "INPUT_PROCESSOR"
	OpOutputGenerator            = "OUTPUT_GENERATOR"
)

// Task op statuses.
const (
	OpPending   = "PENDING"
	OpRunning   = "RUNNING"
	OpCompleted = "COMPLETED"
	OpFailed    = "FAILED"
)

// Task link statuses.
const (
	LinkActive   = "ACTIVE"
	LinkDisabled = "DISABLED"
)

// Assignment order modes.
const (
	OrderSequential = "sequential"
	OrderRandom     = "random"
	OrderEither     = "either"
)

type Language struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	PrimaryLanguageName string `json:"primary_language_name"`
	Locale              string `json:"locale"`
	ParamsJSON          string `json:"params"`
	CreatedAt           string `json:"created_at"`
	LastUpdatedAt       string `json:"last_updated_at"`
}

type Scenario struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	FullName                 string `json:"full_name"`
	Description              string `json:"description"`
	AssignmentGranularity    string `json:"assignment_granularity" enum:"group,microtask,either"`
	GroupAssignmentOrder     string `json:"group_assignment_order" enum:"sequential,random,either"`
	MicrotaskAssignmentOrder string `json:"microtask_assignment_order" enum:"sequential,random,either"`
	Enabled                  bool   `json:"enabled"`
	TaskParamsJSON           string `json:"task_params"`
	ParamsJSON               string `json:"params"`
	CreatedAt                string `json:"created_at"`
	LastUpdatedAt            string `json:"last_updated_at"`
}

type Box struct {
	ID                       string  `json:"id"`
	CreationCode             string  `json:"creation_code"`
	Name                     string  `json:"name"`
	LocationName             *string `json:"location_name,omitempty"`
	URL                      *string `json:"url,omitempty"`
	Key                      *string `json:"key,omitempty"`
	LastSentToServerAt       string  `json:"last_sent_to_server_at"`
	LastReceivedFromServerAt string  `json:"last_received_from_server_at"`
	ParamsJSON               string  `json:"params"`
	CreatedAt                string  `json:"created_at"`
	LastUpdatedAt            string  `json:"last_updated_at"`
}

type Worker struct {
	ID            string  `json:"id"`
	LocalID       int64   `json:"local_id"`
	BoxID         string  `json:"box_id"`
	CreationCode  string  `json:"creation_code"`
	FullName      *string `json:"full_name,omitempty"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	AppLanguage   *string `json:"app_language,omitempty"`
	ParamsJSON    string  `json:"params"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
}

type KaryaFile struct {
	ID            string  `json:"id"`
	LocalID       int64   `json:"local_id"`
	BoxID         *string `json:"box_id,omitempty"`
	ContainerName string  `json:"container_name"`
	Name          string  `json:"name"`
	URL           *string `json:"url,omitempty"`
	Creator       string  `json:"creator" enum:"karya_server,karya_box,karya_client"`
	WorkerID      *string `json:"worker_id,omitempty"`
	Algorithm     string  `json:"algorithm"`
	Checksum      string  `json:"checksum"`
	InBox         bool    `json:"in_box"`
	InServer      bool    `json:"in_server"`
	ParamsJSON    string  `json:"params"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
}

type Task struct {
	ID                       string   `json:"id"`
	WorkProviderID           string   `json:"work_provider_id"`
	LanguageID               string   `json:"language_id"`
	ScenarioID               string   `json:"scenario_id"`
	Name                     string   `json:"name"`
	Description              string   `json:"description"`
	ParamsJSON               string   `json:"params"`
	ErrorsJSON               string   `json:"errors"`
	InputFileID              *string  `json:"input_file_id,omitempty"`
	OutputFileID             *string  `json:"output_file_id,omitempty"`
	Budget                   *float64 `json:"budget,omitempty"`
	Deadline                 *string  `json:"deadline,omitempty"`
	AssignmentGranularity    string   `json:"assignment_granularity"`
	GroupAssignmentOrder     string   `json:"group_assignment_order"`
	MicrotaskAssignmentOrder string   `json:"microtask_assignment_order"`
	Status                   string   `json:"status"`
	CreatedAt                string   `json:"created_at"`
	LastUpdatedAt            string   `json:"last_updated_at"`
}

type MicrotaskGroup struct {
	ID                       string `json:"id"`
	TaskID                   string `json:"task_id"`
	MicrotaskAssignmentOrder string `json:"microtask_assignment_order"`
	Status                   string `json:"status"`
	ParamsJSON               string `json:"params"`
	CreatedAt                string `json:"created_at"`
	LastUpdatedAt            string `json:"last_updated_at"`
}

type Microtask struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	GroupID       *string `json:"group_id,omitempty"`
	InputJSON     string  `json:"input"`
	InputFileID   *string `json:"input_file_id,omitempty"`
	Deadline      *string `json:"deadline,omitempty"`
	Credits       float64 `json:"credits"`
	Status        string  `json:"status"`
	OutputJSON    string  `json:"output"`
	ParamsJSON    string  `json:"params"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
}

type TaskAssignment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	BoxID         string  `json:"box_id"`
	Policy        string  `json:"policy"`
	Deadline      *string `json:"deadline,omitempty"`
	Status        string  `json:"status"`
	ParamsJSON    string  `json:"params"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
}

type MicrotaskAssignment struct {
	ID                  string   `json:"id"`
	LocalID             int64    `json:"local_id"`
	BoxID               string   `json:"box_id"`
	MicrotaskID         string   `json:"microtask_id"`
	WorkerID            string   `json:"worker_id"`
	Deadline            *string  `json:"deadline,omitempty"`
	Status              string   `json:"status"`
	CompletedAt         *string  `json:"completed_at,omitempty"`
	SubmittedToServerAt *string  `json:"submitted_to_server_at,omitempty"`
	VerifiedAt          *string  `json:"verified_at,omitempty"`
	OutputJSON          string   `json:"output"`
	OutputFileID        *string  `json:"output_file_id,omitempty"`
	Credits             *float64 `json:"credits,omitempty"`
	ReportJSON          string   `json:"report"`
	ParamsJSON          string   `json:"params"`
	CreatedAt           string   `json:"created_at"`
	LastUpdatedAt       string   `json:"last_updated_at"`
}

type TaskLink struct {
	ID            string `json:"id"`
	FromTask      string `json:"from_task"`
	ToTask        string `json:"to_task"`
	Chain         string `json:"chain"`
	Blocking      bool   `json:"blocking"`
	Grouping      string `json:"grouping"`
	Status        string `json:"status"`
	ParamsJSON    string `json:"params"`
	CreatedAt     string `json:"created_at"`
	LastUpdatedAt string `json:"last_updated_at"`
}

type TaskOp struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	OpType        string  `json:"op_type"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	Messages      string  `json:"messages"`
	FileID        *string `json:"file_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
}

// ChainMetadata is embedded under the "chain" key of a chained microtask's
// input. Backward link execution uses it to find the originating assignment.
type ChainMetadata struct {
	LinkID       string `json:"linkId"`
	TaskID       string `json:"taskId"`
	WorkerID     string `json:"workerId"`
	AssignmentID string `json:"assignmentId"`
	MicrotaskID  string `json:"microtaskId"`
}
