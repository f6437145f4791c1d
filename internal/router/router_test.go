package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/directory"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/sink"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/transport"
	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

// fakeDirectory implements Directory with per-method call counters so
// tests can assert which paths touched the network.
type fakeDirectory struct {
	mu          sync.Mutex
	records     map[string]directory.Record
	resolves    int
	localHits   int
	stores      int
	storeErr    error
	storedBytes [][]byte
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{records: map[string]directory.Record{}}
}

func (f *fakeDirectory) add(rec directory.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Address] = rec
}

func (f *fakeDirectory) Resolve(_ context.Context, address string) (directory.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	rec, ok := f.records[address]
	return rec, ok, nil
}

func (f *fakeDirectory) ResolveLocal(address string) (directory.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localHits++
	rec, ok := f.records[address]
	return rec, ok
}

func (f *fakeDirectory) StoreEnvelope(_ context.Context, _ string, envelopeBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	if f.storeErr != nil {
		return f.storeErr
	}
	f.storedBytes = append(f.storedBytes, envelopeBytes)
	return nil
}

func (f *fakeDirectory) counts() (resolves, locals, stores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, f.localHits, f.stores
}

// fakeRelay implements Relay with controllable failures.
type fakeRelay struct {
	mu         sync.Mutex
	relayErr   error
	relayed    []envelope.Envelope
	relayAddrs []string
	plain      []string
}

func (f *fakeRelay) Relay(_ context.Context, env envelope.Envelope, mailAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relayErr != nil {
		return f.relayErr
	}
	f.relayed = append(f.relayed, env)
	f.relayAddrs = append(f.relayAddrs, mailAddress)
	return nil
}

func (f *fakeRelay) SendPlain(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain = append(f.plain, to)
	return nil
}

func (f *fakeRelay) relayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relayed)
}

// capturingTransport records every payload sent to any endpoint.
type capturingTransport struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *capturingTransport) Connect(context.Context, string) (transport.Conn, error) {
	return capturingConn{c}, nil
}

type capturingConn struct{ t *capturingTransport }

func (c capturingConn) Send(_ context.Context, payload []byte) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.payloads = append(c.t.payloads, append([]byte(nil), payload...))
	return nil
}

func (c capturingConn) Close() error { return nil }

// failingTransport refuses every connection and counts the attempts.
type failingTransport struct{ connects atomic.Int64 }

func (f *failingTransport) Connect(context.Context, string) (transport.Conn, error) {
	f.connects.Add(1)
	return nil, transport.ErrPeerUnreachable
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func testRecord(t *testing.T, id *identity.Identity, mailFallback string) directory.Record {
	t.Helper()
	rec, err := directory.NewRecord(id, []string{"/ip4/127.0.0.1/tcp/9000"}, mailFallback, time.Now().Unix())
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func fastConfig(mode string) Config {
	return Config{
		Mode:            mode,
		DirectRetries:   1,
		DirectTimeout:   time.Second,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 2 * time.Millisecond,
		StoreWait:       time.Second,
	}
}

func newTestRouter(t *testing.T, local *identity.Identity, dir Directory, peers transport.PeerTransport, relay Relay, store sink.Sink, cfg Config) *Router {
	t.Helper()
	return New(Options{
		Identity:   local,
		Directory:  dir,
		Peers:      peers,
		Relay:      relay,
		Sink:       store,
		Config:     cfg,
		Registerer: prometheus.NewRegistry(),
	})
}

func TestSendDirectDelivered(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	peers := &capturingTransport{}
	relay := &fakeRelay{}
	store := sink.NewMemory()
	r := newTestRouter(t, alice, dir, peers, relay, store, fastConfig(models.ModeAuto))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Subject: "hi", Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.State != StateDelivered || receipt.Method != models.DeliveryP2P {
		t.Fatalf("receipt = %+v", receipt)
	}
	if len(peers.payloads) != 1 {
		t.Fatalf("transport saw %d payloads, want 1", len(peers.payloads))
	}
	if relay.relayCount() != 0 {
		t.Fatal("relay used on a successful direct delivery")
	}
	if _, _, stores := dir.counts(); stores != 0 {
		t.Fatal("directory store used on a successful direct delivery")
	}

	// The recipient can open what went over the wire.
	env, err := envelope.Decode(peers.payloads[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	plaintext, err := envelope.Open(bob, alice.PublicKeys(), env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload, err := envelope.UnmarshalPayload(plaintext)
	if err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if payload.Subject != "hi" || payload.Body != "hello" {
		t.Fatalf("payload = %+v", payload)
	}
	if receipt.EnvelopeID != env.ID {
		t.Fatalf("receipt id %q does not match wire id %q", receipt.EnvelopeID, env.ID)
	}
}

func TestSendP2POnlyUnreachable(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	peers := &failingTransport{}
	relay := &fakeRelay{}
	r := newTestRouter(t, alice, dir, peers, relay, sink.NewMemory(), fastConfig(models.ModeP2POnly))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Body: "x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if receipt.State != StateUnreachable {
		t.Fatalf("state = %q, want unreachable", receipt.State)
	}
	if relay.relayCount() != 0 {
		t.Fatal("p2p_only send touched the mail relay")
	}
	if _, _, stores := dir.counts(); stores != 0 {
		t.Fatal("p2p_only send touched the directory store")
	}
	// First attempt plus one retry.
	if got := peers.connects.Load(); got != 2 {
		t.Fatalf("transport attempts = %d, want 2", got)
	}
}

func TestSendAutoFallsBackToRelay(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	relay := &fakeRelay{}
	r := newTestRouter(t, alice, dir, &failingTransport{}, relay, sink.NewMemory(), fastConfig(models.ModeAuto))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.State != StateDelivered || receipt.Method != models.DeliveryFallback {
		t.Fatalf("receipt = %+v", receipt)
	}
	if relay.relayCount() != 1 {
		t.Fatalf("relay calls = %d, want 1", relay.relayCount())
	}
	if relay.relayAddrs[0] != "bob@example.com" {
		t.Fatalf("relay address = %q", relay.relayAddrs[0])
	}
}

func TestSendAutoStoreSalvagesFailedRelay(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	relay := &fakeRelay{relayErr: errors.New("smtp down")}
	r := newTestRouter(t, alice, dir, &failingTransport{}, relay, sink.NewMemory(), fastConfig(models.ModeAuto))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.State != StateDelivered || receipt.Method != models.DeliveryFallback {
		t.Fatalf("receipt = %+v", receipt)
	}
	if _, _, stores := dir.counts(); stores != 1 {
		t.Fatalf("store calls = %d, want 1", stores)
	}
}

func TestSendAutoAllPathsFail(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.storeErr = directory.ErrQuorumUnreached
	dir.add(testRecord(t, bob, "bob@example.com"))
	relayErr := errors.New("smtp down")
	relay := &fakeRelay{relayErr: relayErr}
	r := newTestRouter(t, alice, dir, &failingTransport{}, relay, sink.NewMemory(), fastConfig(models.ModeAuto))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Body: "b"})
	if !errors.Is(err, relayErr) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if receipt.State != StateFailed {
		t.Fatalf("state = %q, want failed", receipt.State)
	}
}

func TestSendGmailOnlyNeverTouchesNetwork(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	peers := &failingTransport{}
	relay := &fakeRelay{}
	r := newTestRouter(t, alice, dir, peers, relay, sink.NewMemory(), fastConfig(models.ModeGmailOnly))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.State != StateDelivered || receipt.Method != models.DeliveryGmail {
		t.Fatalf("receipt = %+v", receipt)
	}
	resolves, locals, stores := dir.counts()
	if resolves != 0 || stores != 0 {
		t.Fatalf("gmail_only touched the index: resolves=%d stores=%d", resolves, stores)
	}
	if locals == 0 {
		t.Fatal("gmail_only did not consult the local cache")
	}
	if got := peers.connects.Load(); got != 0 {
		t.Fatalf("gmail_only opened %d peer connections", got)
	}
	if relay.relayCount() != 1 {
		t.Fatalf("relay calls = %d, want 1", relay.relayCount())
	}
}

func TestSendGmailOnlyWithoutMailFallback(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, ""))
	r := newTestRouter(t, alice, dir, &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeGmailOnly))

	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Body: "b"})
	if !errors.Is(err, ErrNoMailFallback) {
		t.Fatalf("expected ErrNoMailFallback, got %v", err)
	}
	if receipt.State != StateFailed {
		t.Fatalf("state = %q, want failed", receipt.State)
	}
}

func TestSendPlainMailRecipient(t *testing.T) {
	alice := testIdentity(t)
	relay := &fakeRelay{}
	r := newTestRouter(t, alice, newFakeDirectory(), &failingTransport{}, relay, sink.NewMemory(), fastConfig(models.ModeAuto))

	receipt, err := r.Send(context.Background(), SendRequest{To: "friend@example.com", Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.State != StateDelivered || receipt.Method != models.DeliveryGmail {
		t.Fatalf("receipt = %+v", receipt)
	}
	if len(relay.plain) != 1 || relay.plain[0] != "friend@example.com" {
		t.Fatalf("plain sends = %v", relay.plain)
	}
}

func TestSendPlainMailRejectedInP2POnly(t *testing.T) {
	alice := testIdentity(t)
	r := newTestRouter(t, alice, newFakeDirectory(), &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeP2POnly))
	if _, err := r.Send(context.Background(), SendRequest{To: "friend@example.com", Body: "b"}); !errors.Is(err, ErrNeedsLedgerID) {
		t.Fatalf("expected ErrNeedsLedgerID, got %v", err)
	}
}

func TestSendUnknownRecipient(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	r := newTestRouter(t, alice, newFakeDirectory(), &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeAuto))
	receipt, err := r.Send(context.Background(), SendRequest{To: bob.Address(), Body: "b"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if receipt.State != StateUnreachable {
		t.Fatalf("state = %q", receipt.State)
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	alice := testIdentity(t)
	r := newTestRouter(t, alice, newFakeDirectory(), &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeAuto))
	if _, err := r.Send(context.Background(), SendRequest{To: "  "}); !errors.Is(err, ErrEmptyRecipient) {
		t.Fatalf("expected ErrEmptyRecipient, got %v", err)
	}
	if _, err := r.Send(context.Background(), SendRequest{To: "ledger:zz", Body: "b"}); !errors.Is(err, identity.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := r.Send(context.Background(), SendRequest{To: "a@b.c", Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

// blockingTransport parks the first connection until released, so a second
// send for the same id can race against it.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Connect(ctx context.Context, _ string) (transport.Conn, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, transport.ErrPeerUnreachable
}

func TestSendInFlightIDRejected(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, bob, "bob@example.com"))
	peers := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	relay := &fakeRelay{}
	r := newTestRouter(t, alice, dir, peers, relay, sink.NewMemory(), fastConfig(models.ModeAuto))

	const id = "00112233445566778899aabbccddeeff"
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Send(context.Background(), SendRequest{ID: id, To: bob.Address(), Body: "b"})
	}()

	<-peers.entered
	if _, err := r.Send(context.Background(), SendRequest{ID: id, To: bob.Address(), Body: "b"}); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}
	close(peers.release)
	<-done

	// The id is free again once the first send finishes.
	if _, err := r.Send(context.Background(), SendRequest{ID: id, To: bob.Address(), Body: "b"}); errors.Is(err, ErrSendInFlight) {
		t.Fatal("id still marked in flight after send completed")
	}
}

func sealFor(t *testing.T, from, to *identity.Identity, subject, body string) []byte {
	t.Helper()
	payload, err := envelope.Payload{Subject: subject, Body: body}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	env, err := envelope.Seal(from, to.PublicKeys(), to.Address(), payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func TestDeliverRoundtripAndDuplicate(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, alice, ""))
	store := sink.NewMemory()
	r := newTestRouter(t, bob, dir, &failingTransport{}, &fakeRelay{}, store, fastConfig(models.ModeAuto))

	raw := sealFor(t, alice, bob, "greetings", "hello bob")
	if err := r.Deliver(context.Background(), raw, models.DeliveryP2P); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("sink has %d messages, want 1", store.Len())
	}
	msgs, err := store.List(context.Background(), models.FolderInbox, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if msgs[0].Subject != "greetings" || msgs[0].Body != "hello bob" {
		t.Fatalf("stored message = %+v", msgs[0])
	}
	if msgs[0].From != alice.Address() || !msgs[0].Encrypted {
		t.Fatalf("stored message metadata = %+v", msgs[0])
	}

	// Replayed bytes are a no-op, not an error.
	if err := r.Deliver(context.Background(), raw, models.DeliveryFallback); err != nil {
		t.Fatalf("duplicate Deliver: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("sink has %d messages after replay, want 1", store.Len())
	}
}

func TestDeliverRejectsMisaddressed(t *testing.T) {
	alice, bob, carol := testIdentity(t), testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, alice, ""))
	r := newTestRouter(t, carol, dir, &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeAuto))

	raw := sealFor(t, alice, bob, "", "for bob")
	if err := r.Deliver(context.Background(), raw, models.DeliveryP2P); !errors.Is(err, ErrNotAddressedTo) {
		t.Fatalf("expected ErrNotAddressedTo, got %v", err)
	}
}

func TestDeliverUnknownSender(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	r := newTestRouter(t, bob, newFakeDirectory(), &failingTransport{}, &fakeRelay{}, sink.NewMemory(), fastConfig(models.ModeAuto))
	raw := sealFor(t, alice, bob, "", "x")
	if err := r.Deliver(context.Background(), raw, models.DeliveryP2P); !errors.Is(err, ErrSenderUnknown) {
		t.Fatalf("expected ErrSenderUnknown, got %v", err)
	}
}

func TestDeliverRejectsTamperedEnvelope(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, alice, ""))
	store := sink.NewMemory()
	r := newTestRouter(t, bob, dir, &failingTransport{}, &fakeRelay{}, store, fastConfig(models.ModeAuto))

	raw := sealFor(t, alice, bob, "", "x")
	env, err := envelope.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	env.EncryptedBody[0] ^= 0x01
	tampered, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := r.Deliver(context.Background(), tampered, models.DeliveryP2P); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("tampered envelope reached the sink")
	}
}

func TestDeliverRunsPipeline(t *testing.T) {
	alice, bob := testIdentity(t), testIdentity(t)
	dir := newFakeDirectory()
	dir.add(testRecord(t, alice, ""))
	store := sink.NewMemory()
	dropped := 0
	r := New(Options{
		Identity:  bob,
		Directory: dir,
		Peers:     &failingTransport{},
		Relay:     &fakeRelay{},
		Sink:      store,
		Process: func(msg models.Message) (models.Message, bool) {
			if msg.Subject == "drop me" {
				dropped++
				return msg, false
			}
			msg.Subject = "[seen] " + msg.Subject
			return msg, true
		},
		Config:     fastConfig(models.ModeAuto),
		Registerer: prometheus.NewRegistry(),
	})

	if err := r.Deliver(context.Background(), sealFor(t, alice, bob, "drop me", "spam"), models.DeliveryP2P); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if dropped != 1 || store.Len() != 0 {
		t.Fatalf("filtered message handled wrong: dropped=%d stored=%d", dropped, store.Len())
	}

	if err := r.Deliver(context.Background(), sealFor(t, alice, bob, "keep", "ham"), models.DeliveryP2P); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs, _ := store.List(context.Background(), "", 0)
	if len(msgs) != 1 || msgs[0].Subject != "[seen] keep" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestAcceptPlain(t *testing.T) {
	bob := testIdentity(t)
	store := sink.NewMemory()
	r := newTestRouter(t, bob, newFakeDirectory(), &failingTransport{}, &fakeRelay{}, store, fastConfig(models.ModeAuto))

	err := r.AcceptPlain(context.Background(), models.Message{
		From:    "friend@example.com",
		To:      "me@example.com",
		Subject: "plain",
		Body:    "no envelope here",
	})
	if err != nil {
		t.Fatalf("AcceptPlain: %v", err)
	}
	msgs, _ := store.List(context.Background(), models.FolderInbox, 0)
	if len(msgs) != 1 || msgs[0].ID == "" {
		t.Fatalf("stored = %+v", msgs)
	}
}
