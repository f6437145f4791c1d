package mailbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/envelope"
)

// Wire-visible markers. These match what other ledger clients emit, so
// they are part of the interop surface and must not change.
const (
	FallbackSubject = "[Ledger Encrypted Fallback]"
	beginMarker     = "--- BEGIN LEDGER ENCRYPTED MESSAGE ---"
	endMarker       = "--- END LEDGER ENCRYPTED MESSAGE ---"
)

var (
	// ErrRelay is a mail-transport rejection. Terminal for the current
	// delivery attempt; the router does not retry the relay path.
	ErrRelay = errors.New("mail relay rejected message")
	// ErrNoPayload means a message carried the fallback marker but no
	// extractable block.
	ErrNoPayload = errors.New("fallback message has no encrypted payload")
)

// OutboundMail is what the injected mail transport delivers.
type OutboundMail struct {
	To      string
	Subject string
	Body    string
}

// RawMessage is one message pulled from the mail transport.
type RawMessage struct {
	From    string
	To      string
	Subject string
	Body    string
}

// MailTransport is the conventional-mail collaborator. The bridge never
// speaks SMTP/IMAP itself.
type MailTransport interface {
	DeliverMail(ctx context.Context, msg OutboundMail) error
	PollMail(ctx context.Context) ([]RawMessage, error)
}

// Bridge maps sealed envelopes to and from mail-compatible payloads.
type Bridge struct {
	transport MailTransport
}

func New(transport MailTransport) *Bridge {
	return &Bridge{transport: transport}
}

// Relay encodes the whole envelope, signature and nonce included, as a
// fenced base64 block and hands it to the mail transport.
func (b *Bridge) Relay(ctx context.Context, env envelope.Envelope, mailAddress string) error {
	msg, err := Encode(env, mailAddress)
	if err != nil {
		return err
	}
	if err := b.transport.DeliverMail(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrRelay, err)
	}
	return nil
}

// SendPlain delivers an unencrypted message to a conventional address.
func (b *Bridge) SendPlain(ctx context.Context, to, subject, body string) error {
	err := b.transport.DeliverMail(ctx, OutboundMail{To: to, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelay, err)
	}
	return nil
}

// Poll pulls raw messages from the mail transport.
func (b *Bridge) Poll(ctx context.Context) ([]RawMessage, error) {
	return b.transport.PollMail(ctx)
}

// Encode renders an envelope as a fallback mail message.
func Encode(env envelope.Envelope, mailAddress string) (OutboundMail, error) {
	raw, err := env.Encode()
	if err != nil {
		return OutboundMail{}, err
	}
	block := base64.StdEncoding.EncodeToString(raw)
	body := fmt.Sprintf(
		"This message was sent by the Ledger encrypted mail client.\n"+
			"The recipient's Ledger node was unreachable, so this encrypted fallback was sent.\n"+
			"\n%s\n%s\n%s\n",
		beginMarker, block, endMarker,
	)
	return OutboundMail{To: mailAddress, Subject: FallbackSubject, Body: body}, nil
}

// IsFallback reports whether a raw message claims to carry an envelope.
func IsFallback(msg RawMessage) bool {
	return strings.Contains(msg.Subject, FallbackSubject)
}

// Decode extracts the envelope from a fallback message. A message without
// the marker returns ok=false and is passed through by the caller as plain
// mail; the bridge does not attempt to decrypt arbitrary messages.
func Decode(msg RawMessage) (envelope.Envelope, bool, error) {
	if !IsFallback(msg) {
		return envelope.Envelope{}, false, nil
	}
	block, err := extractBlock(msg.Body)
	if err != nil {
		return envelope.Envelope{}, true, err
	}
	raw, err := base64.StdEncoding.DecodeString(block)
	if err != nil {
		return envelope.Envelope{}, true, envelope.ErrMalformed
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return envelope.Envelope{}, true, err
	}
	return env, true, nil
}

func extractBlock(body string) (string, error) {
	start := strings.Index(body, beginMarker)
	if start < 0 {
		return "", ErrNoPayload
	}
	rest := body[start+len(beginMarker):]
	end := strings.Index(rest, endMarker)
	if end < 0 {
		return "", ErrNoPayload
	}
	block := strings.TrimSpace(rest[:end])
	// base64 bodies arrive wrapped by some mail transports
	block = strings.ReplaceAll(block, "\n", "")
	block = strings.ReplaceAll(block, "\r", "")
	if block == "" {
		return "", ErrNoPayload
	}
	return block, nil
}
