package identity

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// ExportMnemonic renders the identity seed as a 24-word recovery phrase.
func (id *Identity) ExportMnemonic() (string, error) {
	return bip39.NewMnemonic(id.seed)
}

// FromMnemonic rebuilds an identity from a recovery phrase produced by
// ExportMnemonic.
func FromMnemonic(mnemonic string) (*Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	defer zeroBytes(seed)
	return FromSeed(seed)
}
