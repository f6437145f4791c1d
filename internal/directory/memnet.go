package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrNodeDown = errors.New("index node unreachable")

// MemoryNetwork is an in-process index: a set of virtual replica nodes
// sharing one routing view. It backs tests and single-host runs; a real
// deployment swaps in a Dialer speaking to remote nodes.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[Key]*memoryNode
	now   func() time.Time
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes: make(map[Key]*memoryNode),
		now:   time.Now,
	}
}

// AddNodes provisions n replica nodes with random ids.
func (net *MemoryNetwork) AddNodes(n int) ([]NodeInfo, error) {
	infos := make([]NodeInfo, 0, n)
	for i := 0; i < n; i++ {
		var id Key
		if _, err := rand.Read(id[:]); err != nil {
			return nil, err
		}
		node := &memoryNode{
			info:  NodeInfo{ID: id, Addr: fmt.Sprintf("mem://%s", id.Short())},
			net:   net,
			store: make(map[Key]map[string]storedValue),
			up:    true,
		}
		net.mu.Lock()
		net.nodes[id] = node
		net.mu.Unlock()
		infos = append(infos, node.info)
	}
	return infos, nil
}

// SetNodeUp flips a node's reachability for failure testing.
func (net *MemoryNetwork) SetNodeUp(id Key, up bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	if n, ok := net.nodes[id]; ok {
		n.setUp(up)
	}
}

// Dial implements Dialer.
func (net *MemoryNetwork) Dial(_ context.Context, info NodeInfo) (Node, error) {
	net.mu.RLock()
	node, ok := net.nodes[info.ID]
	net.mu.RUnlock()
	if !ok || !node.isUp() {
		return nil, ErrNodeDown
	}
	return node, nil
}

func (net *MemoryNetwork) closest(target Key, n int) []NodeInfo {
	net.mu.RLock()
	infos := make([]NodeInfo, 0, len(net.nodes))
	for _, node := range net.nodes {
		if node.isUp() {
			infos = append(infos, node.info)
		}
	}
	net.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		return closer(target, infos[i].ID, infos[j].ID)
	})
	if len(infos) > n {
		infos = infos[:n]
	}
	return infos
}

type storedValue struct {
	value     []byte
	expiresAt time.Time
}

type memoryNode struct {
	info  NodeInfo
	net   *MemoryNetwork
	mu    sync.Mutex
	store map[Key]map[string]storedValue
	up    bool
}

func (n *memoryNode) isUp() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up
}

func (n *memoryNode) setUp(up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.up = up
}

func (n *memoryNode) Ping(ctx context.Context) error {
	if !n.isUp() {
		return ErrNodeDown
	}
	return ctx.Err()
}

func (n *memoryNode) Closest(ctx context.Context, target Key, limit int) ([]NodeInfo, error) {
	if err := n.Ping(ctx); err != nil {
		return nil, err
	}
	return n.net.closest(target, limit), nil
}

func (n *memoryNode) Store(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := n.Ping(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	slot, ok := n.store[key]
	if !ok {
		slot = make(map[string]storedValue)
		n.store[key] = slot
	}
	slot[ValueFingerprint(value)] = storedValue{
		value:     append([]byte(nil), value...),
		expiresAt: n.net.now().Add(ttl),
	}
	return nil
}

func (n *memoryNode) FindValue(ctx context.Context, key Key) ([][]byte, []NodeInfo, error) {
	if err := n.Ping(ctx); err != nil {
		return nil, nil, err
	}
	n.mu.Lock()
	n.sweepLocked(key)
	var values [][]byte
	for _, sv := range n.store[key] {
		values = append(values, append([]byte(nil), sv.value...))
	}
	n.mu.Unlock()
	return values, n.net.closest(key, 20), nil
}

func (n *memoryNode) Remove(ctx context.Context, key Key, fingerprint string) error {
	if err := n.Ping(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if slot, ok := n.store[key]; ok {
		delete(slot, fingerprint)
	}
	return nil
}

// sweepLocked drops expired values for the key. Expiry, not remote
// deletion, is what bounds the store.
func (n *memoryNode) sweepLocked(key Key) {
	now := n.net.now()
	for fp, sv := range n.store[key] {
		if sv.expiresAt.Before(now) {
			delete(n.store[key], fp)
		}
	}
}
