package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnreachable is the generic direct-path transport failure; the
	// router treats it as retryable within the current attempt budget.
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrSendFailed      = errors.New("peer send failed")
)

// PeerTransport abstracts the direct peer path. The engine does not own
// sockets or TLS; an implementation is injected by the host.
type PeerTransport interface {
	// Connect performs the handshake with the peer endpoint. It doubles as
	// the liveness probe when called with a short deadline.
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one established peer connection.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}
