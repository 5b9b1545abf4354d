package group

// Action is the instance-manager transition for one member device.
type Action int

const (
	ActionNone Action = iota
	ActionCreate
	ActionDestroy
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// DetermineAction drives a member toward ready == hasInstances.
func DetermineAction(ready, hasInstances bool) Action {
	switch {
	case ready && !hasInstances:
		return ActionCreate
	case !ready && hasInstances:
		return ActionDestroy
	}
	return ActionNone
}
