package types

// TaskType is the discriminant of the task payload variants.
//
// Decoding does not validate the value: an unknown string survives frame
// decode and is rejected when the task payload is resolved.
type TaskType string

// Task type constants. The set is closed.
const (
	TaskTypeFunction     TaskType = "Function"
	TaskTypeScript       TaskType = "Script"
	TaskTypeSubscription TaskType = "Subscription"
)

// AllTaskTypes lists every known task type.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskTypeFunction, TaskTypeScript, TaskTypeSubscription}
}

// IsValid returns true if t is one of the known task types.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeFunction, TaskTypeScript, TaskTypeSubscription:
		return true
	}
	return false
}
