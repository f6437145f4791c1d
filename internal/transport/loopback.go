package transport

import (
	"context"
	"sync"
)

// Loopback is an in-process peer transport: endpoints register a handler
// and connections invoke it synchronously. It serves tests and single-host
// runs the way the teacher network's mock transport does.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]func(payload []byte) error
}

func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]func([]byte) error)}
}

// Register makes an endpoint reachable. Passing nil removes it.
func (l *Loopback) Register(endpoint string, handler func(payload []byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if handler == nil {
		delete(l.handlers, endpoint)
		return
	}
	l.handlers[endpoint] = handler
}

func (l *Loopback) Connect(ctx context.Context, endpoint string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	handler, ok := l.handlers[endpoint]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrPeerUnreachable
	}
	return &loopbackConn{handler: handler}, nil
}

type loopbackConn struct {
	handler func([]byte) error
}

func (c *loopbackConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.handler(append([]byte(nil), payload...)); err != nil {
		return ErrSendFailed
	}
	return nil
}

func (c *loopbackConn) Close() error { return nil }
