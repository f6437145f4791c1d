package directory

import (
	"crypto/sha256"

	"github.com/mr-tron/base58/base58"
)

// Key is a point in the index key space: the hash of an address-scoped
// name. Node ids live in the same space so closeness is comparable.
type Key [32]byte

const (
	recordKeyPrefix  = "ledger:dir:"
	mailboxKeyPrefix = "ledger:msg:"
)

// RecordKey is where an address's directory record lives.
func RecordKey(address string) Key {
	return sha256.Sum256([]byte(recordKeyPrefix + address))
}

// MailboxKey is where envelopes stored for an offline address live.
func MailboxKey(address string) Key {
	return sha256.Sum256([]byte(mailboxKeyPrefix + address))
}

// ValueFingerprint names a stored value so a replica can be asked to drop
// exactly that value after pickup.
func ValueFingerprint(value []byte) string {
	sum := sha256.Sum256(value)
	return base58.Encode(sum[:8])
}

// Short renders a log-friendly form of a key.
func (k Key) Short() string {
	return base58.Encode(k[:8])
}

// closer reports whether a is XOR-closer to target than b.
func closer(target, a, b Key) bool {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}
