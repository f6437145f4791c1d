package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
)

var (
	// ErrQuorumUnreached means too few replicas acknowledged a store.
	// Retryable with backoff.
	ErrQuorumUnreached = errors.New("store quorum unreached")
	ErrNoPeers         = errors.New("no index peers known")
)

// NodeInfo identifies a remote index node.
type NodeInfo struct {
	ID   Key
	Addr string
}

// Node is the narrow RPC surface of one index peer. Implementations carry
// the real transport; the directory only drives lookups against it.
type Node interface {
	Ping(ctx context.Context) error
	Closest(ctx context.Context, target Key, n int) ([]NodeInfo, error)
	Store(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	FindValue(ctx context.Context, key Key) (values [][]byte, closest []NodeInfo, err error)
	Remove(ctx context.Context, key Key, fingerprint string) error
}

// Dialer opens a client to an index node.
type Dialer interface {
	Dial(ctx context.Context, node NodeInfo) (Node, error)
}

type Config struct {
	Replication       int
	LookupParallelism int
	MaxHops           int
	RequestTimeout    time.Duration
	ProbeTimeout      time.Duration
	// StoreTTL bounds how long replicas keep an offline envelope. The store
	// is not authoritative once the recipient has picked a copy up, so
	// entries expire instead of relying on remote deletion.
	StoreTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Replication:       20,
		LookupParallelism: 3,
		MaxHops:           20,
		RequestTimeout:    5 * time.Second,
		ProbeTimeout:      3 * time.Second,
		StoreTTL:          7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Replication <= 0 {
		c.Replication = d.Replication
	}
	if c.LookupParallelism <= 0 {
		c.LookupParallelism = d.LookupParallelism
	}
	if c.MaxHops <= 0 {
		c.MaxHops = d.MaxHops
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.StoreTTL <= 0 {
		c.StoreTTL = d.StoreTTL
	}
	return c
}

// Directory resolves addresses to public keys and moves offline envelopes
// through the distributed index. It is a client of the index, not a
// replica itself.
type Directory struct {
	cfg       Config
	dialer    Dialer
	bootstrap []NodeInfo
	cache     *recordCache
	log       *slog.Logger
}

func New(cfg Config, dialer Dialer, bootstrap []NodeInfo, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		cfg:       cfg.withDefaults(),
		dialer:    dialer,
		bootstrap: append([]NodeInfo(nil), bootstrap...),
		cache:     newRecordCache(),
		log:       log,
	}
}

// AddContact seeds the local cache with a verified record without touching
// the index. Conflicting keys for a cached address are rejected.
func (d *Directory) AddContact(rec Record) error {
	if err := rec.Verify(); err != nil {
		return err
	}
	return d.cache.Put(rec)
}

// ResolveLocal consults only the local cache.
func (d *Directory) ResolveLocal(address string) (Record, bool) {
	return d.cache.Get(address)
}

// Resolve checks the cache and falls back to a bounded distributed lookup.
// An exhausted lookup returns ok=false, not an error: the caller treats it
// as "recipient unreachable". A record whose keys conflict with the cache
// returns ErrKeyConflict.
func (d *Directory) Resolve(ctx context.Context, address string) (Record, bool, error) {
	if rec, ok := d.cache.Get(address); ok {
		return rec, true, nil
	}
	target := RecordKey(address)
	values, err := d.findValues(ctx, target)
	if err != nil && !errors.Is(err, ErrNoPeers) {
		return Record{}, false, err
	}

	var best Record
	found := false
	for _, raw := range values {
		rec, err := DecodeRecord(raw)
		if err != nil || rec.Address != address {
			continue
		}
		if !found || rec.UpdatedAt > best.UpdatedAt {
			best = rec
			found = true
		}
	}
	if !found {
		return Record{}, false, nil
	}
	if err := d.cache.Put(best); err != nil {
		return Record{}, false, err
	}
	d.log.Debug("directory record resolved", "address", address, "key", target.Short())
	return best, true, nil
}

// Publish replicates the local identity's record to the nodes closest to
// its key.
func (d *Directory) Publish(ctx context.Context, rec Record) error {
	if err := rec.Verify(); err != nil {
		return err
	}
	raw, err := rec.Encode()
	if err != nil {
		return err
	}
	return d.storeQuorum(ctx, RecordKey(rec.Address), raw)
}

// StoreEnvelope replicates sealed envelope bytes for an offline recipient.
// Succeeds once a majority of the targeted replica set acknowledges.
func (d *Directory) StoreEnvelope(ctx context.Context, address string, envelopeBytes []byte) error {
	return d.storeQuorum(ctx, MailboxKey(address), envelopeBytes)
}

// FetchEnvelopes collects envelopes stored for the local address, deduped
// by envelope id. Pickup asks replicas to drop delivered values, but that
// is best-effort: replicas converge by TTL expiry, so callers must still
// tolerate re-seeing an id.
func (d *Directory) FetchEnvelopes(ctx context.Context, ownAddress string) ([]envelope.Envelope, error) {
	target := MailboxKey(ownAddress)
	values, err := d.findValues(ctx, target)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(values))
	var out []envelope.Envelope
	for _, raw := range values {
		env, err := envelope.Decode(raw)
		if err != nil {
			d.log.Warn("dropping undecodable stored envelope", "key", target.Short())
			continue
		}
		if env.To != ownAddress {
			continue
		}
		if _, dup := seen[env.ID]; dup {
			continue
		}
		seen[env.ID] = struct{}{}
		out = append(out, env)
		d.removeBestEffort(ctx, target, ValueFingerprint(raw))
	}
	return out, nil
}

// Probe checks liveness of one index node with a short handshake timeout.
// A failed probe only affects the current attempt; the peer is not marked
// dead.
func (d *Directory) Probe(ctx context.Context, node NodeInfo) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()
	client, err := d.dialer.Dial(ctx, node)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

// lookup walks the index toward target: each hop queries up to
// LookupParallelism of the closest unqueried nodes, merging what they
// return, until no hop makes progress or MaxHops is reached.
func (d *Directory) lookup(ctx context.Context, target Key) ([]NodeInfo, error) {
	if len(d.bootstrap) == 0 {
		return nil, ErrNoPeers
	}
	shortlist := append([]NodeInfo(nil), d.bootstrap...)
	sortByDistance(shortlist, target)
	queried := make(map[Key]bool)

	for hop := 0; hop < d.cfg.MaxHops; hop++ {
		batch := d.nextBatch(shortlist, queried)
		if len(batch) == 0 {
			break
		}
		results := d.queryBatch(ctx, batch, target)
		progress := false
		for _, found := range results {
			if d.mergeNode(&shortlist, found) {
				progress = true
			}
		}
		sortByDistance(shortlist, target)
		if !progress {
			break
		}
	}
	if len(shortlist) > d.cfg.Replication {
		shortlist = shortlist[:d.cfg.Replication]
	}
	return shortlist, nil
}

func (d *Directory) nextBatch(shortlist []NodeInfo, queried map[Key]bool) []NodeInfo {
	batch := make([]NodeInfo, 0, d.cfg.LookupParallelism)
	for _, n := range shortlist {
		if queried[n.ID] {
			continue
		}
		queried[n.ID] = true
		batch = append(batch, n)
		if len(batch) == d.cfg.LookupParallelism {
			break
		}
	}
	return batch
}

func (d *Directory) queryBatch(ctx context.Context, batch []NodeInfo, target Key) []NodeInfo {
	var (
		mu    sync.Mutex
		found []NodeInfo
		wg    sync.WaitGroup
	)
	for _, n := range batch {
		wg.Add(1)
		go func(n NodeInfo) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			defer cancel()
			client, err := d.dialer.Dial(reqCtx, n)
			if err != nil {
				return
			}
			closest, err := client.Closest(reqCtx, target, d.cfg.Replication)
			if err != nil {
				return
			}
			mu.Lock()
			found = append(found, closest...)
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return found
}

func (d *Directory) mergeNode(shortlist *[]NodeInfo, n NodeInfo) bool {
	for _, have := range *shortlist {
		if have.ID == n.ID {
			return false
		}
	}
	*shortlist = append(*shortlist, n)
	return true
}

func (d *Directory) storeQuorum(ctx context.Context, key Key, value []byte) error {
	replicas, err := d.lookup(ctx, key)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return ErrNoPeers
	}
	if len(replicas) > d.cfg.Replication {
		replicas = replicas[:d.cfg.Replication]
	}
	quorum := len(replicas)/2 + 1

	var (
		mu   sync.Mutex
		acks int
		wg   sync.WaitGroup
	)
	for _, n := range replicas {
		wg.Add(1)
		go func(n NodeInfo) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			defer cancel()
			client, err := d.dialer.Dial(reqCtx, n)
			if err != nil {
				return
			}
			if err := client.Store(reqCtx, key, value, d.cfg.StoreTTL); err != nil {
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if acks < quorum {
		d.log.Warn("store quorum unreached", "key", key.Short(), "acks", acks, "quorum", quorum)
		return ErrQuorumUnreached
	}
	return nil
}

func (d *Directory) findValues(ctx context.Context, key Key) ([][]byte, error) {
	replicas, err := d.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	var (
		mu     sync.Mutex
		values [][]byte
		wg     sync.WaitGroup
	)
	for _, n := range replicas {
		wg.Add(1)
		go func(n NodeInfo) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			defer cancel()
			client, err := d.dialer.Dial(reqCtx, n)
			if err != nil {
				return
			}
			vals, _, err := client.FindValue(reqCtx, key)
			if err != nil {
				return
			}
			mu.Lock()
			values = append(values, vals...)
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return values, nil
}

func (d *Directory) removeBestEffort(ctx context.Context, key Key, fingerprint string) {
	replicas, err := d.lookup(ctx, key)
	if err != nil {
		return
	}
	for _, n := range replicas {
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		client, err := d.dialer.Dial(reqCtx, n)
		if err == nil {
			_ = client.Remove(reqCtx, key, fingerprint)
		}
		cancel()
	}
}

func sortByDistance(nodes []NodeInfo, target Key) {
	sort.Slice(nodes, func(i, j int) bool {
		return closer(target, nodes[i].ID, nodes[j].ID)
	})
}
