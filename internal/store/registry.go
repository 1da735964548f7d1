package store

// Table describes one replicated table.
type Table struct {
	Name string
	// Columns in schema order; id is always first, created_at and
	// last_updated_at always last.
	Columns []string
	// BoxUpdatable tables accept rows pushed by boxes.
	BoxUpdatable bool
	// BoxOwned tables carry local_id/box_id and have their ids minted in
	// the owning box's id space.
	BoxOwned bool
}

// Registry lists every replicated table in parent-before-child order. Sync
// buckets are emitted and applied in this order so foreign keys resolve.
var Registry = []Table{
	{
		Name:    "language",
		Columns: []string{"id", "name", "primary_language_name", "locale", "params", "created_at", "last_updated_at"},
	},
	{
		Name:    "scenario",
		Columns: []string{"id", "name", "full_name", "description", "assignment_granularity", "group_assignment_order", "microtask_assignment_order", "enabled", "task_params", "params", "created_at", "last_updated_at"},
	},
	{
		Name:    "box",
		Columns: []string{"id", "creation_code", "name", "location_name", "url", "key", "last_sent_to_server_at", "last_received_from_server_at", "params", "created_at", "last_updated_at"},
	},
	{
		Name:         "worker",
		Columns:      []string{"id", "local_id", "box_id", "creation_code", "full_name", "phone_number", "app_language", "params", "created_at", "last_updated_at"},
		BoxUpdatable: true,
		BoxOwned:     true,
	},
	{
		Name:         "karya_file",
		Columns:      []string{"id", "local_id", "box_id", "container_name", "name", "url", "creator", "worker_id", "algorithm", "checksum", "in_box", "in_server", "params", "created_at", "last_updated_at"},
		BoxUpdatable: true,
		BoxOwned:     true,
	},
	{
		Name:    "task",
		Columns: []string{"id", "work_provider_id", "language_id", "scenario_id", "name", "description", "params", "errors", "input_file_id", "output_file_id", "budget", "deadline", "assignment_granularity", "group_assignment_order", "microtask_assignment_order", "status", "created_at", "last_updated_at"},
	},
	{
		Name:    "microtask_group",
		Columns: []string{"id", "task_id", "microtask_assignment_order", "status", "params", "created_at", "last_updated_at"},
	},
	{
		Name:    "microtask",
		Columns: []string{"id", "task_id", "group_id", "input", "input_file_id", "deadline", "credits", "status", "output", "params", "created_at", "last_updated_at"},
	},
	{
		Name:         "task_assignment",
		Columns:      []string{"id", "task_id", "box_id", "policy", "deadline", "status", "params", "created_at", "last_updated_at"},
		BoxUpdatable: true,
	},
	{
		Name:         "microtask_assignment",
		Columns:      []string{"id", "local_id", "box_id", "microtask_id", "worker_id", "deadline", "status", "completed_at", "submitted_to_server_at", "verified_at", "output", "output_file_id", "credits", "report", "params", "created_at", "last_updated_at"},
		BoxUpdatable: true,
		BoxOwned:     true,
	},
	{
		Name:    "task_link",
		Columns: []string{"id", "from_task", "to_task", "chain", "blocking", "grouping", "status", "params", "created_at", "last_updated_at"},
	},
	{
		Name:    "task_op",
		Columns: []string{"id", "task_id", "op_type", "status", "started_at", "completed_at", "messages", "file_id", "created_at", "last_updated_at"},
	},
}

// Lookup returns the registry entry for a table name.
func Lookup(name string) (Table, bool) {
	for _, t := range Registry {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

func (t Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}
