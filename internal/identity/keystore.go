package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreVersion  = 1
	keystoreFileName = "identity.key"
	keystorePrefix   = "LEDGERKEY1\n"

	keystoreSaltSize     = 16
	keystoreArgonTime    = uint32(2)
	keystoreArgonMemKB   = uint32(64 * 1024)
	keystoreArgonThreads = uint8(1)
)

var (
	ErrKeystoreAuthFailed = errors.New("keystore passphrase rejected")
	ErrKeystoreInvalid    = errors.New("keystore blob is invalid")
)

// sealedSeed is the opaque at-rest form of the identity seed. The private
// keys themselves are never written; they are re-derived on load.
type sealedSeed struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// LoadOrCreate opens the sealed identity under dataDir, creating and
// sealing a fresh one on first run.
func LoadOrCreate(dataDir, passphrase string) (*Identity, error) {
	path := filepath.Join(dataDir, keystoreFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := openSealedSeed(raw, passphrase)
		if err != nil {
			return nil, err
		}
		defer zeroBytes(seed)
		return FromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	blob, err := sealSeed(id.seed, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

func sealSeed(seed []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, keystoreSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := keystoreKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := sealedSeed{
		Version:     keystoreVersion,
		KDF:         "argon2id",
		KDFTime:     keystoreArgonTime,
		KDFMemoryKB: keystoreArgonMemKB,
		KDFThreads:  keystoreArgonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, seed, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(keystorePrefix), raw...), nil
}

func openSealedSeed(raw []byte, passphrase string) ([]byte, error) {
	if !strings.HasPrefix(string(raw), keystorePrefix) {
		return nil, ErrKeystoreInvalid
	}
	var env sealedSeed
	if err := json.Unmarshal(raw[len(keystorePrefix):], &env); err != nil {
		return nil, ErrKeystoreInvalid
	}
	if env.Version != keystoreVersion || env.KDF != "argon2id" {
		return nil, fmt.Errorf("%w: version %d kdf %q", ErrKeystoreInvalid, env.Version, env.KDF)
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrKeystoreAuthFailed
	}
	return seed, nil
}

func keystoreKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, keystoreArgonTime, keystoreArgonMemKB, keystoreArgonThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
