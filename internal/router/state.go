package router

// State names one position in the delivery state machine. Terminal states
// are StateDelivered, StateFailed and, for p2p-only sends, StateUnreachable.
type State string

const (
	StatePending        State = "pending"
	StateDirectAttempt  State = "direct_attempt"
	StateDirectoryStore State = "directory_store"
	StateStored         State = "stored"
	StateStoreFailed    State = "store_failed"
	StateRelayAttempt   State = "relay_attempt"
	StateDelivered      State = "delivered"
	StateUnreachable    State = "unreachable"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateUnreachable, StateFailed:
		return true
	}
	return false
}

// SendRequest is one outbound compose. ID may be pre-assigned by the
// caller for dedup across restarts; when empty a fresh id is generated.
type SendRequest struct {
	ID      string
	To      string
	Subject string
	Body    string
	// Mode overrides the configured delivery mode when non-empty.
	Mode string
}

// Receipt is the single terminal outcome of a send.
type Receipt struct {
	EnvelopeID string
	// Method is the path that produced the success: p2p, fallback or
	// gmail. Empty unless State is StateDelivered.
	Method string
	State  State
}
