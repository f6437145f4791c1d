package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

// Sink is durable storage for accepted plaintext messages. Appending the
// same id twice must be a no-op so retried receives stay exactly-once in
// their visible effect.
type Sink interface {
	Append(ctx context.Context, msg models.Message) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Memory is the in-process sink used by tests and as a cache-only mode.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]models.Message
}

func NewMemory() *Memory {
	return &Memory{messages: make(map[string]models.Message)}
}

func (s *Memory) Append(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return nil
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *Memory) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

// List returns stored messages for a folder, newest first. Empty folder
// means all.
func (s *Memory) List(_ context.Context, folder string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if folder == "" || m.Folder == folder {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
