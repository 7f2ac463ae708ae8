package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Signer signs journal record hashes with an ed25519 key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv)
}

// PublicKeyHex is the hex form stored next to every signature.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// Save writes the private key as hex to path and the public key to
// path+".pub".
func (s *Signer) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.priv)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(path+".pub", []byte(s.PublicKeyHex()), 0o644)
}

// LoadSigner reads a hex encoded private key.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key %s", path)
	}
	return NewSigner(ed25519.PrivateKey(raw))
}

// LoadOrCreateSigner loads the key at path, generating one when missing.
func LoadOrCreateSigner(path string) (*Signer, bool, error) {
	s, err := LoadSigner(path)
	if err == nil {
		return s, false, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, false, err
	}
	s, err = GenerateSigner()
	if err != nil {
		return nil, false, err
	}
	if err := s.Save(path); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// VerifyHex checks a hex signature of data against a hex public key.
func VerifyHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
