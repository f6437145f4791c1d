package identity

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning   = "ledger/identity/signing/v1"
	hkdfInfoAgreement = "ledger/identity/agreement/v1"
)

type derivedKeys struct {
	signingSeed   []byte
	agreementPriv []byte
}

// deriveKeys expands the identity seed into independent signing and
// agreement private keys. The labels are fixed for the lifetime of the
// protocol so the same seed always yields the same keypairs.
func deriveKeys(seed []byte) (*derivedKeys, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, 32)
	if err != nil {
		return nil, err
	}
	agreementPriv, err := hkdfExpand(seed, hkdfInfoAgreement, 32)
	if err != nil {
		return nil, err
	}
	return &derivedKeys{
		signingSeed:   signingSeed,
		agreementPriv: agreementPriv,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
