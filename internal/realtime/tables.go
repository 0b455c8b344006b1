package realtime

import "slices"

// TenantColumn scopes every realtime table to one school.
const TenantColumn = "school_id"

// Table describes a table exposed to realtime subscribers. Columns may be
// ordered on; Filters is the subset that may be filtered on. Timestamp
// columns are not filterable: the snapshot and the change stream render them
// differently.
type Table struct {
	Name    string
	Key     string
	Columns []string
	Filters []string
}

// HasColumn reports whether the column may be ordered on.
func (t Table) HasColumn(column string) bool {
	return slices.Contains(t.Columns, column)
}

// CanFilter reports whether the column may be filtered on.
func (t Table) CanFilter(column string) bool {
	return slices.Contains(t.Filters, column)
}

var registry = map[string]Table{
	"messages": {
		Name:    "messages",
		Key:     "id",
		Columns: []string{"id", "school_id", "sender_id", "recipient_id", "read_at", "created_at"},
		Filters: []string{"id", "school_id", "sender_id", "recipient_id"},
	},
	"leave_requests": {
		Name:    "leave_requests",
		Key:     "id",
		Columns: []string{"id", "school_id", "student_id", "status", "start_date", "end_date", "created_at"},
		Filters: []string{"id", "school_id", "student_id", "status", "start_date", "end_date"},
	},
	"announcements": {
		Name:    "announcements",
		Key:     "id",
		Columns: []string{"id", "school_id", "audience", "created_at"},
		Filters: []string{"id", "school_id", "audience"},
	},
}

// Lookup returns the registered table.
func Lookup(name string) (Table, bool) {
	t, ok := registry[name]
	return t, ok
}

// Tables lists the registered table names.
func Tables() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
