package client

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives a state transition.
type Event int

const (
	EventDial        Event = iota // owner called Connect
	EventOpen                     // transport session opened
	EventFail                     // open failed, timed out or session dropped; attempts remain
	EventGiveUp                   // same as EventFail with no attempts left
	EventRetry                    // reconnect delay elapsed
	EventCloseNormal              // remote closed with the normal close code
	EventDisconnect               // owner called Disconnect
)

func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventOpen:
		return "open"
	case EventFail:
		return "fail"
	case EventGiveUp:
		return "give_up"
	case EventRetry:
		return "retry"
	case EventCloseNormal:
		return "close_normal"
	case EventDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Transition returns the state reached from s on e. The second result is false
// when e is not valid in s, in which case s is returned unchanged.
func Transition(s State, e Event) (State, bool) {
	if e == EventDisconnect {
		if s == Disconnected {
			return s, false
		}
		return Disconnected, true
	}

	switch s {
	case Disconnected, Failed:
		if e == EventDial {
			return Connecting, true
		}
	case Connecting:
		switch e {
		case EventOpen:
			return Connected, true
		case EventFail:
			return Reconnecting, true
		case EventGiveUp:
			return Failed, true
		}
	case Connected:
		switch e {
		case EventFail:
			return Reconnecting, true
		case EventGiveUp:
			return Failed, true
		case EventCloseNormal:
			return Disconnected, true
		}
	case Reconnecting:
		if e == EventRetry {
			return Connecting, true
		}
	}
	return s, false
}
