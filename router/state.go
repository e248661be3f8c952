package router

// State is the router's position in the call flow.
type State int

const (
	Transparent State = iota
	ScanningKeypad
	AIIntercept
	Cooldown
)

func (s State) String() string {
	switch s {
	case Transparent:
		return "TRANSPARENT"
	case ScanningKeypad:
		return "SCANNING_KEYPAD"
	case AIIntercept:
		return "AI_INTERCEPT"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Status is a point-in-time copy of the router state.
type Status struct {
	State        State
	Buffer       string
	Dialed       string
	AnalogActive bool
	Establishing bool
	Busy         bool
	CallID       string
}
