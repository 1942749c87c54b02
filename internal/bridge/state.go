package bridge

import "fmt"

// State is the voice connection state of a bridge.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSignalling
	StateReady
	StateReconnecting
	StateDisconnected
	StateDestroyed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateSignalling:   "signalling",
	StateReady:        "ready",
	StateReconnecting: "reconnecting",
	StateDisconnected: "disconnected",
	StateDestroyed:    "destroyed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// event drives [transition].
type event int

const (
	evConnect       event = iota // connect requested
	evClientReady                // session ready and channel verified; joining voice
	evJoined                     // voice ready
	evConnectFailed              // any connect step failed
	evDropped                    // voice dropped without being asked to
	evRejoined                   // reconnect attempt succeeded
	evRejoinFailed               // reconnect window elapsed
	evDisconnect                 // disconnect requested
	evShutdown                   // shutdown requested
)

var eventNames = [...]string{
	evConnect:       "connect",
	evClientReady:   "client-ready",
	evJoined:        "joined",
	evConnectFailed: "connect-failed",
	evDropped:       "dropped",
	evRejoined:      "rejoined",
	evRejoinFailed:  "rejoin-failed",
	evDisconnect:    "disconnect",
	evShutdown:      "shutdown",
}

func (e event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transition is the only place state changes are decided. It returns the
// next state and false when ev is not valid in from.
func transition(from State, ev event) (State, bool) {
	if from == StateDestroyed {
		return from, false
	}
	switch ev {
	case evShutdown:
		return StateDestroyed, true
	case evDisconnect:
		return StateIdle, true
	case evConnect:
		// A new connect supersedes whatever is in flight.
		return StateConnecting, true
	case evConnectFailed:
		if from == StateConnecting || from == StateSignalling {
			return StateDisconnected, true
		}
	case evClientReady:
		if from == StateConnecting {
			return StateSignalling, true
		}
	case evJoined:
		if from == StateSignalling {
			return StateReady, true
		}
	case evDropped:
		if from == StateReady {
			return StateReconnecting, true
		}
	case evRejoined:
		if from == StateReconnecting {
			return StateReady, true
		}
	case evRejoinFailed:
		if from == StateReconnecting {
			return StateDisconnected, true
		}
	}
	return from, false
}
