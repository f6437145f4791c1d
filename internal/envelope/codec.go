package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
)

// hkdfInfoEnvelopeKey versions the key derivation so an envelope key can
// never collide with keys derived for other protocol uses of the same
// shared secret.
const hkdfInfoEnvelopeKey = "ledger/envelope/key/v1"

// Seal builds a signed, encrypted envelope for the recipient. A fresh
// ephemeral agreement keypair is generated per envelope and discarded; the
// 96-bit nonce is random per encryption. Construction is all-or-nothing.
func Seal(sender *identity.Identity, recipient identity.PublicKeySet, recipientAddr string, plaintext []byte) (Envelope, error) {
	id, err := NewID()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return SealWithID(sender, recipient, recipientAddr, id, plaintext)
}

// SealWithID seals under a caller-assigned envelope id, which lets the
// router keep one id across retried sends.
func SealWithID(sender *identity.Identity, recipient identity.PublicKeySet, recipientAddr, id string, plaintext []byte) (Envelope, error) {
	return seal(sender, recipient, recipientAddr, id, time.Now().Unix(), plaintext)
}

func seal(sender *identity.Identity, recipient identity.PublicKeySet, recipientAddr, id string, timestamp int64, plaintext []byte) (Envelope, error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer wipe(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	shared, err := curve25519.X25519(ephPriv, recipient.Agreement)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer wipe(shared)
	key, err := deriveEnvelopeKey(shared)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	env := Envelope{
		ID:              id,
		From:            sender.Address(),
		To:              recipientAddr,
		Timestamp:       timestamp,
		EphemeralPubKey: ephPub,
		Nonce:           nonce,
	}
	env.EncryptedBody = aead.Seal(nil, nonce, plaintext, env.aad())
	env.Signature = sender.Sign(env.signingBytes())
	return env, nil
}

// Open verifies and decrypts an envelope addressed to the local identity.
// Verification runs before any decryption work, so a mutated field fails
// with ErrAuthentication, not ErrIntegrity. Open is a pure function of the
// envelope and keys: reprocessing a duplicate yields the same result.
func Open(local *identity.Identity, sender identity.PublicKeySet, env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !identity.Verify(sender.Signing, env.signingBytes(), env.Signature) {
		return nil, ErrAuthentication
	}

	shared, err := local.Agree(env.EphemeralPubKey)
	if err != nil {
		// Signature was valid, so the key was malformed at seal time rather
		// than tampered with in transit; surface it as an integrity failure.
		return nil, ErrIntegrity
	}
	defer wipe(shared)
	key, err := deriveEnvelopeKey(shared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.EncryptedBody, env.aad())
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func deriveEnvelopeKey(shared []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoEnvelopeKey))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
