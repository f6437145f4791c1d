package directory

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/multiformats/go-multiaddr"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
)

var (
	ErrInvalidRecord = errors.New("invalid directory record")
	// ErrKeyConflict is a trust error: a record for an address that is
	// already cached under different keys. First writer wins; conflicts are
	// surfaced, never silently overwritten.
	ErrKeyConflict = errors.New("conflicting keys for address")
)

// Record maps an address to its public keys and how to reach its owner.
// Records are self-certifying: the signing key must derive the address and
// the signature must verify under that key, so replicas cannot forge them.
type Record struct {
	Address      string   `json:"address"`
	SigningKey   []byte   `json:"signing_key"`
	AgreementKey []byte   `json:"agreement_key"`
	Endpoints    []string `json:"endpoints,omitempty"`
	MailFallback string   `json:"mail_fallback,omitempty"`
	UpdatedAt    int64    `json:"updated_at"`
	Signature    []byte   `json:"signature"`
}

// NewRecord builds and signs the local identity's own directory record.
func NewRecord(id *identity.Identity, endpoints []string, mailFallback string, updatedAt int64) (Record, error) {
	for _, ep := range endpoints {
		if _, err := multiaddr.NewMultiaddr(ep); err != nil {
			return Record{}, ErrInvalidRecord
		}
	}
	keys := id.PublicKeys()
	rec := Record{
		Address:      id.Address(),
		SigningKey:   keys.Signing,
		AgreementKey: keys.Agreement,
		Endpoints:    append([]string(nil), endpoints...),
		MailFallback: mailFallback,
		UpdatedAt:    updatedAt,
	}
	rec.Signature = id.Sign(rec.signingBytes())
	return rec, nil
}

// Verify checks the record's self-certification. Endpoint strings must
// parse as multiaddrs so a bad record cannot poison dial attempts later.
func (r Record) Verify() error {
	if r.Address == "" || len(r.AgreementKey) != 32 {
		return ErrInvalidRecord
	}
	if !identity.MatchesAddress(r.SigningKey, r.Address) {
		return ErrInvalidRecord
	}
	if !identity.Verify(r.SigningKey, r.signingBytes(), r.Signature) {
		return ErrInvalidRecord
	}
	for _, ep := range r.Endpoints {
		if _, err := multiaddr.NewMultiaddr(ep); err != nil {
			return ErrInvalidRecord
		}
	}
	return nil
}

// Keys returns the record's public key set for the envelope codec.
func (r Record) Keys() identity.PublicKeySet {
	return identity.PublicKeySet{
		Signing:   append([]byte(nil), r.SigningKey...),
		Agreement: append([]byte(nil), r.AgreementKey...),
	}
}

// SameKeys reports whether two records agree on the identity keys; records
// that disagree must not replace each other.
func (r Record) SameKeys(other Record) bool {
	return bytes.Equal(r.SigningKey, other.SigningKey) && bytes.Equal(r.AgreementKey, other.AgreementKey)
}

func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRecord(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, ErrInvalidRecord
	}
	if err := r.Verify(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (r Record) signingBytes() []byte {
	b := make([]byte, 0, 256)
	b = append(b, []byte(r.Address)...)
	b = append(b, 0)
	b = append(b, r.SigningKey...)
	b = append(b, 0)
	b = append(b, r.AgreementKey...)
	b = append(b, 0)
	for _, ep := range r.Endpoints {
		b = append(b, []byte(ep)...)
		b = append(b, 0)
	}
	b = append(b, []byte(r.MailFallback)...)
	b = append(b, 0)
	u := uint64(r.UpdatedAt)
	b = append(b, byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32), byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
	return b
}
