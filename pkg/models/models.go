package models

import (
	"strings"
	"time"
)

// Delivery methods recorded against a stored message. The value names the
// path that actually produced a success, not the path that was preferred.
const (
	DeliveryP2P      = "p2p"
	DeliveryFallback = "fallback"
	DeliveryGmail    = "gmail"
)

// Delivery modes select which paths the router may use for a send.
const (
	ModeAuto      = "auto"
	ModeP2POnly   = "p2p_only"
	ModeGmailOnly = "gmail_only"
)

const (
	FolderInbox = "inbox"
	FolderSent  = "sent"
)

// ParseDeliveryMode normalizes a mode string, defaulting to auto.
func ParseDeliveryMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ModeP2POnly:
		return ModeP2POnly
	case ModeGmailOnly:
		return ModeGmailOnly
	default:
		return ModeAuto
	}
}

func ValidDeliveryMode(s string) bool {
	switch s {
	case ModeAuto, ModeP2POnly, ModeGmailOnly:
		return true
	}
	return false
}

// Message is a decrypted (or plain-mail) message as the sink stores it.
// ID matches the envelope id for encrypted messages so that replayed
// envelopes collapse onto one record.
type Message struct {
	ID             string    `json:"id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveryMethod string    `json:"delivery_method"`
	Folder         string    `json:"folder"`
	Encrypted      bool      `json:"encrypted"`
	Read           bool      `json:"read"`
}

// Contact is a locally trusted peer: a resolved address plus the mail
// address used when relaying to them over the conventional-mail path.
type Contact struct {
	Address      string    `json:"address"`
	DisplayName  string    `json:"display_name"`
	SigningKey   []byte    `json:"signing_key"`
	AgreementKey []byte    `json:"agreement_key"`
	MailAddress  string    `json:"mail_address,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}
