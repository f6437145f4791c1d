package mailbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
)

type memTransport struct {
	delivered  []OutboundMail
	deliverErr error
	inbox      []RawMessage
}

func (m *memTransport) DeliverMail(_ context.Context, msg OutboundMail) error {
	if m.deliverErr != nil {
		return m.deliverErr
	}
	m.delivered = append(m.delivered, msg)
	return nil
}

func (m *memTransport) PollMail(context.Context) ([]RawMessage, error) {
	return m.inbox, nil
}

func sealTest(t *testing.T) envelope.Envelope {
	t.Helper()
	alice, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	bob, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	env, err := envelope.Seal(alice, bob.PublicKeys(), bob.Address(), []byte("fallback payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return env
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	env := sealTest(t)
	mail, err := Encode(env, "bob@example.com")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if mail.To != "bob@example.com" || mail.Subject != FallbackSubject {
		t.Fatalf("mail = %+v", mail)
	}
	if !strings.Contains(mail.Body, beginMarker) || !strings.Contains(mail.Body, endMarker) {
		t.Fatal("fenced block markers missing")
	}

	raw := RawMessage{From: "relay", Subject: mail.Subject, Body: mail.Body}
	got, ok, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ok {
		t.Fatal("fallback message not recognized")
	}
	if got.ID != env.ID || got.From != env.From || got.To != env.To {
		t.Fatalf("decoded envelope = %+v", got)
	}
}

func TestDecodeToleratesWrappedBase64(t *testing.T) {
	env := sealTest(t)
	mail, err := Encode(env, "bob@example.com")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Simulate a transport that hard-wraps long lines.
	start := strings.Index(mail.Body, beginMarker) + len(beginMarker)
	end := strings.Index(mail.Body, endMarker)
	block := strings.TrimSpace(mail.Body[start:end])
	var wrapped strings.Builder
	for len(block) > 76 {
		wrapped.WriteString(block[:76])
		wrapped.WriteString("\r\n")
		block = block[76:]
	}
	wrapped.WriteString(block)
	body := beginMarker + "\n" + wrapped.String() + "\n" + endMarker

	got, ok, err := Decode(RawMessage{Subject: FallbackSubject, Body: body})
	if err != nil || !ok {
		t.Fatalf("Decode wrapped: ok=%v err=%v", ok, err)
	}
	if got.ID != env.ID {
		t.Fatalf("decoded id %q, want %q", got.ID, env.ID)
	}
}

func TestDecodePassesThroughPlainMail(t *testing.T) {
	raw := RawMessage{From: "friend@example.com", Subject: "lunch?", Body: "tomorrow at noon"}
	_, ok, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok {
		t.Fatal("plain mail classified as fallback")
	}
}

func TestDecodeRejectsMarkedButEmpty(t *testing.T) {
	raw := RawMessage{Subject: FallbackSubject, Body: "nothing fenced here"}
	_, ok, err := Decode(raw)
	if !ok {
		t.Fatal("subject marker not recognized")
	}
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload, got %v", err)
	}

	raw.Body = beginMarker + "\n!!! not base64 !!!\n" + endMarker
	if _, _, err := Decode(raw); !errors.Is(err, envelope.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRelayWrapsTransportError(t *testing.T) {
	env := sealTest(t)
	b := New(&memTransport{deliverErr: errors.New("550 rejected")})
	if err := b.Relay(context.Background(), env, "bob@example.com"); !errors.Is(err, ErrRelay) {
		t.Fatalf("expected ErrRelay, got %v", err)
	}
}

func TestSendPlain(t *testing.T) {
	mt := &memTransport{}
	b := New(mt)
	if err := b.SendPlain(context.Background(), "friend@example.com", "hi", "plain body"); err != nil {
		t.Fatalf("SendPlain: %v", err)
	}
	if len(mt.delivered) != 1 || mt.delivered[0].Subject != "hi" {
		t.Fatalf("delivered = %+v", mt.delivered)
	}
}

func TestPoll(t *testing.T) {
	mt := &memTransport{inbox: []RawMessage{{Subject: "a"}, {Subject: "b"}}}
	b := New(mt)
	msgs, err := b.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("polled %d messages, want 2", len(msgs))
	}
}
