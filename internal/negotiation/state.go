package negotiation

// State is the negotiation state of one signaling session.
type State int

const (
	StateNew State = iota
	StateRegistering
	StateOffering
	StateAnswering
	// StateRecreating is entered when a remote offer arrives while a local
	// offer is pending; the peer session is replaced before answering.
	StateRecreating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRegistering:
		return "registering"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateRecreating:
		return "recreating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
