package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/config"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/directory"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/mailbridge"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/pipeline"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/platform/ratelimiter"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/router"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/sink"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/transport"
	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

var ErrRateLimited = errors.New("inbound rate limit exceeded")

const publishAttempts = 5

// Options carries the collaborators the host injects. Identity, Directory,
// Peers, Mail and Sink are required.
type Options struct {
	Identity   *identity.Identity
	Directory  *directory.Directory
	Peers      transport.PeerTransport
	Mail       mailbridge.MailTransport
	Sink       sink.Sink
	Config     config.Config
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Process overrides the default spam-filter + auto-tagger chain.
	Process pipeline.Transform
}

// Engine owns the delivery core end to end: it binds the router to its
// collaborators, runs the mail poll and directory pickup loops, and is the
// host-facing send/deliver boundary.
type Engine struct {
	id      *identity.Identity
	dir     *directory.Directory
	bridge  *mailbridge.Bridge
	router  *router.Router
	sink    sink.Sink
	cfg     config.Config
	log     *slog.Logger
	limiter *ratelimiter.MapLimiter
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	process := opts.Process
	if process == nil {
		process = pipeline.Chain(pipeline.SpamFilter(nil), pipeline.AutoTagger())
	}
	bridge := mailbridge.New(opts.Mail)
	r := router.New(router.Options{
		Identity:  opts.Identity,
		Directory: opts.Directory,
		Peers:     opts.Peers,
		Relay:     bridge,
		Sink:      opts.Sink,
		Process:   process,
		Config: router.Config{
			Mode:            opts.Config.Delivery.Mode,
			DirectRetries:   opts.Config.Delivery.DirectRetries,
			DirectTimeout:   opts.Config.Delivery.DirectTimeout,
			RetryBackoff:    opts.Config.Delivery.RetryBackoff,
			RetryBackoffMax: opts.Config.Delivery.RetryBackoffMax,
			StoreWait:       opts.Config.Delivery.StoreWait,
		},
		Logger:     log,
		Registerer: opts.Registerer,
	})
	return &Engine{
		id:      opts.Identity,
		dir:     opts.Directory,
		bridge:  bridge,
		router:  r,
		sink:    opts.Sink,
		cfg:     opts.Config,
		log:     log,
		limiter: ratelimiter.New(opts.Config.Network.InboundRPS, opts.Config.Network.InboundBurst, 10*time.Minute),
	}
}

func (e *Engine) Address() string {
	return e.id.Address()
}

// Send is the host-facing compose boundary. A delivered send also appends
// a sent-folder copy to the local sink.
func (e *Engine) Send(ctx context.Context, req router.SendRequest) (router.Receipt, error) {
	receipt, err := e.router.Send(ctx, req)
	if err != nil || receipt.State != router.StateDelivered {
		return receipt, err
	}
	copyMsg := models.Message{
		ID:             receipt.EnvelopeID,
		From:           e.id.Address(),
		To:             req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		Timestamp:      time.Now().UTC(),
		DeliveryMethod: receipt.Method,
		Folder:         models.FolderSent,
		Encrypted:      identity.IsLedgerAddress(req.To),
		Read:           true,
	}
	if err := e.sink.Append(ctx, copyMsg); err != nil {
		e.log.Warn("sent-copy append failed", "envelope_id", receipt.EnvelopeID, "err", err)
	}
	return receipt, nil
}

// Deliver is the host-facing inbound boundary for raw envelope bytes from
// any listener.
func (e *Engine) Deliver(ctx context.Context, raw []byte, via string) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		return err
	}
	if !e.limiter.Allow(env.From, time.Now()) {
		e.log.Warn("inbound envelope rate limited", "from", env.From)
		return ErrRateLimited
	}
	return e.router.Deliver(ctx, raw, via)
}

// HandlePeerPayload adapts Deliver to the peer transport's inbound hook.
func (e *Engine) HandlePeerPayload(raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Deliver(ctx, raw, models.DeliveryP2P); err != nil {
		e.log.Warn("peer payload rejected", "err", err)
		return err
	}
	return nil
}

// Run publishes the local directory record and drives the poll loops
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.publishRecord(ctx); err != nil {
		e.log.Warn("directory record publish failed", "err", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.pickupLoop(ctx)
	}()
	e.mailLoop(ctx)
	<-done
	return ctx.Err()
}

// publishRecord announces the local address with bounded retries; quorum
// misses back off exponentially.
func (e *Engine) publishRecord(ctx context.Context) error {
	rec, err := directory.NewRecord(e.id, e.cfg.Network.ListenEndpoints, e.cfg.Mail.Address, time.Now().Unix())
	if err != nil {
		return err
	}
	backoff := 2 * time.Second
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		lastErr = e.dir.Publish(ctx, rec)
		if lastErr == nil {
			e.log.Info("directory record published", "address", e.id.Address())
			return nil
		}
		if !errors.Is(lastErr, directory.ErrQuorumUnreached) {
			return lastErr
		}
	}
	return lastErr
}

// pickupLoop fetches envelopes stored for the local address while it was
// offline. Duplicates are dropped by the router's sink check.
func (e *Engine) pickupLoop(ctx context.Context) {
	interval := e.cfg.Directory.PickupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pickupOnce(ctx)
		}
	}
}

func (e *Engine) pickupOnce(ctx context.Context) {
	envs, err := e.dir.FetchEnvelopes(ctx, e.id.Address())
	if err != nil {
		if !errors.Is(err, directory.ErrNoPeers) {
			e.log.Warn("directory pickup failed", "err", err)
		}
		return
	}
	for _, env := range envs {
		raw, err := env.Encode()
		if err != nil {
			continue
		}
		if err := e.Deliver(ctx, raw, models.DeliveryFallback); err != nil {
			e.log.Warn("stored envelope rejected", "envelope_id", env.ID, "err", err)
		}
	}
}

// mailLoop polls the mail transport. Fenced fallback messages go through
// the codec; everything else passes through as plain mail.
func (e *Engine) mailLoop(ctx context.Context) {
	interval := e.cfg.Mail.PollInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollMailOnce(ctx)
		}
	}
}

func (e *Engine) pollMailOnce(ctx context.Context) {
	msgs, err := e.bridge.Poll(ctx)
	if err != nil {
		e.log.Warn("mail poll failed", "err", err)
		return
	}
	for _, raw := range msgs {
		env, isFallback, err := mailbridge.Decode(raw)
		if err != nil {
			e.log.Warn("fallback mail rejected", "err", err)
			continue
		}
		if !isFallback {
			msg := models.Message{
				From:           raw.From,
				To:             raw.To,
				Subject:        raw.Subject,
				Body:           raw.Body,
				Timestamp:      time.Now().UTC(),
				DeliveryMethod: models.DeliveryGmail,
				Folder:         models.FolderInbox,
			}
			if err := e.router.AcceptPlain(ctx, msg); err != nil {
				e.log.Warn("plain mail append failed", "err", err)
			}
			continue
		}
		encoded, err := env.Encode()
		if err != nil {
			continue
		}
		if err := e.Deliver(ctx, encoded, models.DeliveryFallback); err != nil {
			e.log.Warn("relayed envelope rejected", "envelope_id", env.ID, "err", err)
		}
	}
}
