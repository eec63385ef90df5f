package types

// ValidMessageStates contains all valid message lifecycle states
var ValidMessageStates = []MessageState{
	StatePending,
	StateStreaming,
	StateGenerated,
	StateError,
}

// IsValidMessageState checks if the given state is a valid message state.
// Empty string is considered valid (means state not set).
func IsValidMessageState(state MessageState) bool {
	if state == "" {
		return true
	}

	for _, validState := range ValidMessageStates {
		if state == validState {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether no transition leaves state.
func IsTerminalState(state MessageState) bool {
	return state == StateGenerated || state == StateError
}

// IsValidStateTransition validates message state transitions.
//
// Valid transitions:
//
//	(empty) -> pending | streaming | generated | error
//	pending -> streaming | generated | error
//	streaming -> generated | error
//	generated -> (terminal)
//	error -> (terminal)
func IsValidStateTransition(currentState, newState MessageState) bool {
	if newState == "" {
		return false
	}

	switch currentState {
	case "":
		return IsValidMessageState(newState)

	case StatePending:
		return newState == StateStreaming || newState == StateGenerated || newState == StateError

	case StateStreaming:
		return newState == StateGenerated || newState == StateError

	case StateGenerated, StateError:
		return false

	default:
		return false
	}
}
