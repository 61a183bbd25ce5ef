package entity

// Field describes one tracked column of an entity table: a field that is
// exchanged with the external tracker and checked for conflicts.
type Field struct {
	Name    string
	SQLType string
	// StatusAffecting marks inputs of the status calculator.
	StatusAffecting bool
}

var (
	fieldName        = Field{Name: "name", SQLType: "text"}
	fieldDescription = Field{Name: "description", SQLType: "text"}
	fieldStartDate   = Field{Name: "start_date", SQLType: "date"}
	fieldEndDate     = Field{Name: "end_date", SQLType: "date"}
	fieldManual      = Field{Name: "manual_status", SQLType: "text", StatusAffecting: true}
)

var trackedFields = map[Type][]Field{
	TypeModule:     {fieldName, fieldDescription, fieldStartDate, fieldEndDate, fieldManual},
	TypeSubProgram: {fieldName, fieldDescription, fieldStartDate, fieldEndDate, fieldManual},
	TypeComponent:  {fieldName, fieldDescription, fieldStartDate, fieldEndDate, fieldManual},
	TypeActivity: {
		fieldName, fieldDescription, fieldStartDate, fieldEndDate, fieldManual,
		{Name: "progress_percentage", SQLType: "numeric", StatusAffecting: true},
		{Name: "tasks_total", SQLType: "integer", StatusAffecting: true},
		{Name: "tasks_completed", SQLType: "integer", StatusAffecting: true},
		{Name: "schedule_deviation_days", SQLType: "integer", StatusAffecting: true},
		{Name: "velocity", SQLType: "numeric", StatusAffecting: true},
	},
	TypeIndicator: {
		fieldName,
		{Name: "target_value", SQLType: "numeric", StatusAffecting: true},
		{Name: "current_value", SQLType: "numeric", StatusAffecting: true},
	},
	TypeProject: {fieldName, fieldDescription},
}

var tables = map[Type]string{
	TypeModule:     "modules",
	TypeSubProgram: "sub_programs",
	TypeComponent:  "components",
	TypeActivity:   "activities",
	TypeIndicator:  "indicators",
	TypeProject:    "projects",
}

// Fields returns the tracked fields for t. The slice must not be modified.
func Fields(t Type) []Field {
	return trackedFields[t]
}

// LookupField returns the tracked field with the given name.
func LookupField(t Type, name string) (Field, bool) {
	for _, f := range trackedFields[t] {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsStatusAffecting reports whether a change of field on t requires a recompute.
func IsStatusAffecting(t Type, name string) bool {
	f, ok := LookupField(t, name)
	return ok && f.StatusAffecting
}

// AnyStatusAffecting reports whether any of names is status-affecting for t.
func AnyStatusAffecting(t Type, names []string) bool {
	for _, n := range names {
		if IsStatusAffecting(t, n) {
			return true
		}
	}
	return false
}

// Table returns the relational table backing t.
func Table(t Type) string {
	return tables[t]
}

// ParentColumn returns the foreign key column linking t to its parent.
func ParentColumn(t Type) string {
	switch t {
	case TypeSubProgram:
		return "module_id"
	case TypeComponent:
		return "sub_program_id"
	case TypeActivity:
		return "component_id"
	default:
		return ""
	}
}
