package voice

// State is the interaction state. Only the Machine's loop changes it.
type State int

const (
	Idle State = iota
	Requesting
	Listening
	Processing
	Error
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Error:
		return "error"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds, or is acquiring, the microphone
// and recognizer.
func (s State) Active() bool {
	return s == Requesting || s == Listening || s == Processing
}

// Label is the short status text shown to the user.
func (s State) Label() string {
	switch s {
	case Idle:
		return "Ready"
	case Requesting:
		return "Requesting microphone..."
	case Listening:
		return "Listening"
	case Processing:
		return "Processing..."
	case Error:
		return "Error"
	case Disconnected:
		return "Disconnected"
	default:
		return "?"
	}
}

// ParseState is the inverse of String.
func ParseState(name string) (State, bool) {
	for s := Idle; s <= Disconnected; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return Idle, false
}
