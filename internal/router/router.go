package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/directory"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/pipeline"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/sink"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/transport"
	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

var (
	ErrSendInFlight   = errors.New("send already in flight for envelope id")
	ErrUnreachable    = errors.New("recipient unreachable")
	ErrSenderUnknown  = errors.New("sender keys unknown")
	ErrNotAddressedTo = errors.New("envelope not addressed to this identity")
	ErrEmptyRecipient = errors.New("recipient is required")
	ErrNeedsLedgerID  = errors.New("p2p_only mode requires a ledger recipient")
	ErrNoMailFallback = errors.New("recipient has no mail fallback address")
)

// Directory is the resolve/store surface the router consumes. ResolveLocal
// must not touch the distributed index; gmail_only sends rely on that.
type Directory interface {
	Resolve(ctx context.Context, address string) (directory.Record, bool, error)
	ResolveLocal(address string) (directory.Record, bool)
	StoreEnvelope(ctx context.Context, address string, envelopeBytes []byte) error
}

// Relay is the mail-bridge surface.
type Relay interface {
	Relay(ctx context.Context, env envelope.Envelope, mailAddress string) error
	SendPlain(ctx context.Context, to, subject, body string) error
}

type Config struct {
	// Mode is the default delivery mode; a SendRequest may override it.
	Mode string
	// DirectRetries is how many extra direct attempts follow the first.
	DirectRetries int
	DirectTimeout time.Duration
	RetryBackoff  time.Duration
	// RetryBackoffMax caps the exponential backoff between direct attempts.
	RetryBackoffMax time.Duration
	// StoreWait bounds how long a failed relay waits on the directory
	// store's outcome before declaring the send failed.
	StoreWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:            models.ModeAuto,
		DirectRetries:   2,
		DirectTimeout:   10 * time.Second,
		RetryBackoff:    2 * time.Second,
		RetryBackoffMax: 30 * time.Second,
		StoreWait:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !models.ValidDeliveryMode(c.Mode) {
		c.Mode = d.Mode
	}
	if c.DirectRetries < 0 {
		c.DirectRetries = d.DirectRetries
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = d.DirectTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
	if c.StoreWait <= 0 {
		c.StoreWait = d.StoreWait
	}
	return c
}

// Router drives the fallback state machine for outbound sends and the
// verify/decrypt path for inbound envelopes. One send is tracked per
// envelope id at a time; callers must not re-invoke Send for an active id.
type Router struct {
	local   *identity.Identity
	dir     Directory
	peers   transport.PeerTransport
	relay   Relay
	sink    sink.Sink
	process pipeline.Transform
	cfg     Config
	log     *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	active map[string]struct{}
}

type Options struct {
	Identity  *identity.Identity
	Directory Directory
	Peers     transport.PeerTransport
	Relay     Relay
	Sink      sink.Sink
	// Process runs over each accepted inbound message before the sink
	// append; nil means no processing.
	Process    pipeline.Transform
	Config     Config
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func New(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		local:   opts.Identity,
		dir:     opts.Directory,
		peers:   opts.Peers,
		relay:   opts.Relay,
		sink:    opts.Sink,
		process: opts.Process,
		cfg:     opts.Config.withDefaults(),
		log:     log,
		metrics: newMetrics(opts.Registerer),
		active:  make(map[string]struct{}),
	}
}

// Send routes one compose through the configured fallback paths and
// returns a single terminal receipt. Intermediate per-path errors stay
// internal; only the final classification crosses this boundary.
func (r *Router) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return Receipt{}, ErrEmptyRecipient
	}
	mode := r.cfg.Mode
	if req.Mode != "" {
		if !models.ValidDeliveryMode(req.Mode) {
			return Receipt{}, fmt.Errorf("unknown delivery mode %q", req.Mode)
		}
		mode = req.Mode
	}

	if !identity.IsLedgerAddress(to) {
		return r.sendPlainMail(ctx, req, to, mode)
	}
	if err := identity.ValidateAddress(to); err != nil {
		return Receipt{}, err
	}

	id := req.ID
	if id == "" {
		var err error
		if id, err = envelope.NewID(); err != nil {
			return Receipt{}, err
		}
	}
	if !r.begin(id) {
		return Receipt{}, ErrSendInFlight
	}
	defer r.end(id)

	rec, ok, err := r.resolveRecipient(ctx, to, mode)
	if err != nil {
		return r.terminal(id, "", StateFailed, err)
	}
	if !ok {
		return r.terminal(id, "", StateUnreachable, ErrUnreachable)
	}

	payload, err := envelope.Payload{Subject: req.Subject, Body: req.Body}.Marshal()
	if err != nil {
		return r.terminal(id, "", StateFailed, err)
	}
	env, err := envelope.SealWithID(r.local, rec.Keys(), to, id, payload)
	if err != nil {
		// Primitive failure: fatal for this operation, never retried.
		return r.terminal(id, "", StateFailed, err)
	}
	raw, err := env.Encode()
	if err != nil {
		return r.terminal(id, "", StateFailed, err)
	}

	r.transition(id, StatePending, nil)
	switch mode {
	case models.ModeP2POnly:
		return r.runP2POnly(ctx, id, rec, raw)
	case models.ModeGmailOnly:
		return r.runGmailOnly(ctx, id, env, rec)
	default:
		return r.runAuto(ctx, id, env, rec, raw)
	}
}

func (r *Router) runP2POnly(ctx context.Context, id string, rec directory.Record, raw []byte) (Receipt, error) {
	r.transition(id, StateDirectAttempt, nil)
	if err := r.attemptDirect(ctx, rec, raw); err != nil {
		r.metrics.deliveries.WithLabelValues("p2p", "unreachable").Inc()
		return r.terminal(id, "", StateUnreachable, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	r.metrics.deliveries.WithLabelValues("p2p", "delivered").Inc()
	return r.terminal(id, models.DeliveryP2P, StateDelivered, nil)
}

func (r *Router) runGmailOnly(ctx context.Context, id string, env envelope.Envelope, rec directory.Record) (Receipt, error) {
	r.transition(id, StateRelayAttempt, nil)
	if rec.MailFallback == "" {
		r.metrics.deliveries.WithLabelValues("gmail", "failed").Inc()
		return r.terminal(id, "", StateFailed, ErrNoMailFallback)
	}
	if err := r.relay.Relay(ctx, env, rec.MailFallback); err != nil {
		r.metrics.deliveries.WithLabelValues("gmail", "failed").Inc()
		return r.terminal(id, "", StateFailed, err)
	}
	r.metrics.deliveries.WithLabelValues("gmail", "delivered").Inc()
	return r.terminal(id, models.DeliveryGmail, StateDelivered, nil)
}

func (r *Router) runAuto(ctx context.Context, id string, env envelope.Envelope, rec directory.Record, raw []byte) (Receipt, error) {
	r.transition(id, StateDirectAttempt, nil)
	directErr := r.attemptDirect(ctx, rec, raw)
	if directErr == nil {
		r.metrics.deliveries.WithLabelValues("p2p", "delivered").Inc()
		return r.terminal(id, models.DeliveryP2P, StateDelivered, nil)
	}
	r.transition(id, StateDirectAttempt, directErr)

	// Best-effort store; its outcome never blocks the relay attempt.
	r.transition(id, StateDirectoryStore, nil)
	storeCh := make(chan error, 1)
	storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreWait)
	go func() {
		defer cancelStore()
		storeCh <- r.dir.StoreEnvelope(storeCtx, env.To, raw)
	}()

	r.transition(id, StateRelayAttempt, nil)
	relayErr := ErrNoMailFallback
	if rec.MailFallback != "" {
		relayErr = r.relay.Relay(ctx, env, rec.MailFallback)
	}
	if relayErr == nil {
		r.metrics.deliveries.WithLabelValues("fallback", "delivered").Inc()
		return r.terminal(id, models.DeliveryFallback, StateDelivered, nil)
	}

	// Relay is terminal for its path; a successful store still counts as
	// delivered because the recipient's node will pick the envelope up.
	select {
	case storeErr := <-storeCh:
		if storeErr == nil {
			r.transition(id, StateStored, nil)
			r.metrics.deliveries.WithLabelValues("fallback", "delivered").Inc()
			return r.terminal(id, models.DeliveryFallback, StateDelivered, nil)
		}
		r.transition(id, StateStoreFailed, storeErr)
	case <-ctx.Done():
	}
	r.metrics.deliveries.WithLabelValues("fallback", "failed").Inc()
	return r.terminal(id, "", StateFailed, relayErr)
}

// sendPlainMail handles a non-ledger recipient: no envelope, straight to
// the mail transport.
func (r *Router) sendPlainMail(ctx context.Context, req SendRequest, to, mode string) (Receipt, error) {
	if mode == models.ModeP2POnly {
		return Receipt{}, ErrNeedsLedgerID
	}
	id := req.ID
	if id == "" {
		var err error
		if id, err = envelope.NewID(); err != nil {
			return Receipt{}, err
		}
	}
	if !r.begin(id) {
		return Receipt{}, ErrSendInFlight
	}
	defer r.end(id)

	r.transition(id, StateRelayAttempt, nil)
	if err := r.relay.SendPlain(ctx, to, req.Subject, req.Body); err != nil {
		r.metrics.deliveries.WithLabelValues("gmail", "failed").Inc()
		return r.terminal(id, "", StateFailed, err)
	}
	r.metrics.deliveries.WithLabelValues("gmail", "delivered").Inc()
	return r.terminal(id, models.DeliveryGmail, StateDelivered, nil)
}

// Deliver accepts raw envelope bytes from any listener, verifies and
// decrypts them, and appends the plaintext to the sink. Re-delivery of an
// id the sink already holds is a no-op.
func (r *Router) Deliver(ctx context.Context, raw []byte, via string) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		r.metrics.inbound.WithLabelValues("malformed").Inc()
		return err
	}
	if env.To != r.local.Address() {
		r.metrics.inbound.WithLabelValues("misaddressed").Inc()
		return ErrNotAddressedTo
	}
	if exists, err := r.sink.Exists(ctx, env.ID); err != nil {
		return err
	} else if exists {
		r.log.Debug("duplicate envelope ignored", "envelope_id", env.ID)
		r.metrics.inbound.WithLabelValues("duplicate").Inc()
		return nil
	}

	rec, ok, err := r.dir.Resolve(ctx, env.From)
	if err != nil {
		r.metrics.inbound.WithLabelValues("rejected").Inc()
		return err
	}
	if !ok {
		r.metrics.inbound.WithLabelValues("rejected").Inc()
		return ErrSenderUnknown
	}

	plaintext, err := envelope.Open(r.local, rec.Keys(), env)
	if err != nil {
		r.metrics.inbound.WithLabelValues("rejected").Inc()
		r.log.Warn("inbound envelope rejected", "envelope_id", env.ID, "from", env.From, "err", err)
		return err
	}

	msg := models.Message{
		ID:             env.ID,
		From:           env.From,
		To:             env.To,
		Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
		DeliveryMethod: via,
		Folder:         models.FolderInbox,
		Encrypted:      true,
	}
	if payload, err := envelope.UnmarshalPayload(plaintext); err == nil {
		msg.Subject = payload.Subject
		msg.Body = payload.Body
	} else {
		msg.Body = string(plaintext)
	}

	if r.process != nil {
		var keep bool
		if msg, keep = r.process(msg); !keep {
			r.log.Info("inbound message dropped by pipeline", "envelope_id", env.ID, "from", env.From)
			r.metrics.inbound.WithLabelValues("filtered").Inc()
			return nil
		}
	}
	if err := r.sink.Append(ctx, msg); err != nil {
		return err
	}
	r.metrics.inbound.WithLabelValues("accepted").Inc()
	r.log.Info("message delivered", "envelope_id", env.ID, "from", env.From, "via", via)
	return nil
}

// AcceptPlain records a non-envelope mail message straight to the sink.
func (r *Router) AcceptPlain(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		id, err := envelope.NewID()
		if err != nil {
			return err
		}
		msg.ID = id
	}
	if msg.Folder == "" {
		msg.Folder = models.FolderInbox
	}
	if r.process != nil {
		var keep bool
		if msg, keep = r.process(msg); !keep {
			r.metrics.inbound.WithLabelValues("filtered").Inc()
			return nil
		}
	}
	if err := r.sink.Append(ctx, msg); err != nil {
		return err
	}
	r.metrics.inbound.WithLabelValues("accepted").Inc()
	return nil
}

func (r *Router) resolveRecipient(ctx context.Context, to, mode string) (directory.Record, bool, error) {
	if mode == models.ModeGmailOnly {
		// The relay-only path must not touch the peer network or the
		// distributed index at all.
		rec, ok := r.dir.ResolveLocal(to)
		return rec, ok, nil
	}
	return r.dir.Resolve(ctx, to)
}

// attemptDirect tries each known endpoint of the recipient with bounded
// retries and exponential backoff. Every attempt runs under its own
// deadline so a hung transport cannot stall the state machine.
func (r *Router) attemptDirect(ctx context.Context, rec directory.Record, raw []byte) error {
	if len(rec.Endpoints) == 0 {
		return transport.ErrPeerUnreachable
	}
	var lastErr error
	backoff := r.cfg.RetryBackoff
	for attempt := 0; attempt <= r.cfg.DirectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.cfg.RetryBackoffMax {
				backoff = r.cfg.RetryBackoffMax
			}
		}
		for _, ep := range rec.Endpoints {
			if err := r.sendOnce(ctx, ep, raw); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
	}
	if lastErr == nil {
		lastErr = transport.ErrPeerUnreachable
	}
	return lastErr
}

func (r *Router) sendOnce(ctx context.Context, endpoint string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DirectTimeout)
	defer cancel()
	conn, err := r.peers.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Send(ctx, raw)
}

func (r *Router) begin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	r.metrics.activeSends.Inc()
	return true
}

func (r *Router) end(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	r.metrics.activeSends.Dec()
}

func (r *Router) transition(id string, state State, err error) {
	if err != nil {
		r.log.Info("delivery transition", "envelope_id", id, "state", string(state), "err", err)
		return
	}
	r.log.Info("delivery transition", "envelope_id", id, "state", string(state))
}

func (r *Router) terminal(id, method string, state State, err error) (Receipt, error) {
	r.transition(id, state, err)
	return Receipt{EnvelopeID: id, Method: method, State: state}, err
}
