package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrCrypto is an internal primitive failure. Fatal for the operation,
	// never retried.
	ErrCrypto = errors.New("crypto primitive failure")
	// ErrAuthentication means the envelope signature did not verify against
	// the sender's known signing key. The envelope must be discarded.
	ErrAuthentication = errors.New("envelope signature verification failed")
	// ErrIntegrity means the AEAD tag did not verify: the ciphertext was
	// tampered with or this is not the intended recipient. Not retryable.
	ErrIntegrity = errors.New("envelope integrity check failed")

	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is the immutable signed, encrypted message unit exchanged
// between nodes and over the mail relay. The JSON shape is the interop
// contract between implementations: exactly these fields, binary values
// standard base64.
type Envelope struct {
	ID              string `json:"id"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	EphemeralPubKey []byte `json:"ephemeral_pubkey"`
	EncryptedBody   []byte `json:"encrypted_body"`
	Signature       []byte `json:"signature"`
	Nonce           []byte `json:"nonce"`
}

// NewID returns a fresh 128-bit random envelope id in hex.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// Validate checks structural well-formedness only; it says nothing about
// signature or tag validity.
func (e Envelope) Validate() error {
	if e.ID == "" || e.From == "" || e.To == "" {
		return ErrMalformed
	}
	if len(e.EphemeralPubKey) != curve25519.PointSize {
		return ErrMalformed
	}
	if len(e.Nonce) != chacha20poly1305.NonceSize {
		return ErrMalformed
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return ErrMalformed
	}
	if len(e.EncryptedBody) == 0 {
		return ErrMalformed
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and structurally validates wire bytes.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, ErrMalformed
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// signingBytes is the canonical concatenation the signature covers: every
// wire field except the signature itself, in wire order, NUL-separated,
// timestamp big-endian. Any field change invalidates the signature.
func (e Envelope) signingBytes() []byte {
	b := make([]byte, 0, len(e.ID)+len(e.From)+len(e.To)+len(e.EphemeralPubKey)+len(e.EncryptedBody)+len(e.Nonce)+16)
	b = append(b, []byte(e.ID)...)
	b = append(b, 0)
	b = append(b, []byte(e.From)...)
	b = append(b, 0)
	b = append(b, []byte(e.To)...)
	b = append(b, 0)
	b = appendInt64(b, e.Timestamp)
	b = append(b, 0)
	b = append(b, e.EphemeralPubKey...)
	b = append(b, 0)
	b = append(b, e.EncryptedBody...)
	b = append(b, 0)
	b = append(b, e.Nonce...)
	return b
}

// aad binds routing metadata to the ciphertext: tampering with sender,
// recipient or timestamp invalidates the AEAD tag even before the
// signature is considered.
func (e Envelope) aad() []byte {
	b := make([]byte, 0, len(e.From)+len(e.To)+10)
	b = append(b, []byte(e.From)...)
	b = append(b, 0)
	b = append(b, []byte(e.To)...)
	b = append(b, 0)
	b = appendInt64(b, e.Timestamp)
	return b
}

func appendInt64(b []byte, v int64) []byte {
	u := uint64(v)
	return append(b, byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32), byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}
