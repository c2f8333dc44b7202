package session

// State tracks where a session's upstream leg is in its lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateConnecting
	StateConnected
	StateLoggingIn
	StateLoggedIn
	StateDisconnected
	StateError
	StateClosed
)

var stateNames = map[State]string{
	StateInitializing: "initializing",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateLoggingIn:    "logging_in",
	StateLoggedIn:     "logged_in",
	StateDisconnected: "disconnected",
	StateError:        "error",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// StateNames lists every state label, for stats initialization.
func StateNames() []string {
	return []string{
		"initializing", "connecting", "connected", "logging_in",
		"logged_in", "disconnected", "error", "closed",
	}
}
