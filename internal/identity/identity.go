package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// AddressPrefix marks an identity-addressed recipient; anything else is
	// treated as a conventional mail address.
	AddressPrefix = "ledger:"

	addressHexLen = 32
	SeedSize      = 32
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer agreement key")
	ErrInvalidSeed    = errors.New("identity seed must be 32 bytes")
	ErrInvalidAddress = errors.New("invalid ledger address")
)

// Identity holds the long-lived signing and key-agreement keypairs. Private
// key material is read-only after construction and never leaves the struct;
// at-rest persistence goes through the sealed keystore only.
type Identity struct {
	seed        []byte
	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey
	agreePriv   []byte
	agreePub    []byte
	address     string
}

// PublicKeySet is the shareable half of an identity: what a directory
// record or contact card carries.
type PublicKeySet struct {
	Signing   []byte `json:"signing"`
	Agreement []byte `json:"agreement"`
}

// Generate creates a fresh identity from the system entropy source.
func Generate() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed deterministically rebuilds an identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeed
	}
	keys, err := deriveKeys(seed)
	if err != nil {
		return nil, err
	}
	agreePub, err := curve25519.X25519(keys.agreementPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.NewKeyFromSeed(keys.signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)
	return &Identity{
		seed:        append([]byte(nil), seed...),
		signingPriv: signingPriv,
		signingPub:  append([]byte(nil), signingPub...),
		agreePriv:   keys.agreementPriv,
		agreePub:    agreePub,
		address:     AddressFromSigningKey(signingPub),
	}, nil
}

// Address returns the deterministic public identifier for this identity.
func (id *Identity) Address() string {
	return id.address
}

func (id *Identity) PublicKeys() PublicKeySet {
	return PublicKeySet{
		Signing:   append([]byte(nil), id.signingPub...),
		Agreement: append([]byte(nil), id.agreePub...),
	}
}

// Sign signs data with the long-lived signing key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signingPriv, data)
}

// Agree performs Diffie-Hellman between the long-lived agreement key and a
// peer public value. Fails only when the peer key is not a usable point.
func (id *Identity) Agree(peerAgreementPub []byte) ([]byte, error) {
	if len(peerAgreementPub) != curve25519.PointSize {
		return nil, ErrInvalidPeerKey
	}
	secret, err := curve25519.X25519(id.agreePriv, peerAgreementPub)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	return secret, nil
}

// Verify checks an Ed25519 signature against a raw public signing key.
func Verify(signingPub, data, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPub), data, sig)
}

// AddressFromSigningKey derives the ledger address from a public signing
// key: the prefix plus the first 32 hex characters of the key's encoding.
// The address is always recomputed from the key, never cached separately.
func AddressFromSigningKey(signingPub []byte) string {
	return AddressPrefix + hex.EncodeToString(signingPub)[:addressHexLen]
}

// IsLedgerAddress reports whether s looks like an identity address as
// opposed to a conventional mail address.
func IsLedgerAddress(s string) bool {
	return strings.HasPrefix(s, AddressPrefix)
}

// ValidateAddress rejects anything that is not prefix + 32 lowercase hex.
func ValidateAddress(s string) error {
	rest, ok := strings.CutPrefix(s, AddressPrefix)
	if !ok || len(rest) != addressHexLen {
		return ErrInvalidAddress
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return ErrInvalidAddress
	}
	return nil
}

// MatchesAddress reports whether a public signing key derives the given
// address. Directory records are only trusted when this holds.
func MatchesAddress(signingPub []byte, address string) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return AddressFromSigningKey(signingPub) == address
}
