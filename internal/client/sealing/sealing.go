// Package sealing encrypts credential secrets on the client with age before
// they are sent to the store.
package sealing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

// Prefix marks a sealed secret. Values without it are treated as plaintext.
const Prefix = "age:"

// ErrNoIdentity is returned when an identity file holds no X25519 identity.
var ErrNoIdentity = errors.New("no age identity found")

// AgeSealer seals secrets to its own recipient, so only the holder of the
// identity file can open them.
type AgeSealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeSealer returns a sealer for identity.
func NewAgeSealer(identity *age.X25519Identity) *AgeSealer {
	return &AgeSealer{identity: identity, recipient: identity.Recipient()}
}

// LoadOrCreate reads the identity at path, generating and writing a new one
// (mode 0600) when the file does not exist. created reports whether a new
// identity was written.
func LoadOrCreate(path string) (s *AgeSealer, created bool, err error) {
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		s, err := load(f)
		if err != nil {
			return nil, false, fmt.Errorf("load identity %s: %w", path, err)
		}
		return s, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("open identity: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, false, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create identity dir: %w", err)
	}
	content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().Format(time.RFC3339), id.Recipient(), id)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, false, fmt.Errorf("write identity: %w", err)
	}
	return NewAgeSealer(id), true, nil
}

func load(r io.Reader) (*AgeSealer, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return NewAgeSealer(x), nil
		}
	}
	return nil, ErrNoIdentity
}

// Recipient returns the public key secrets are sealed to.
func (s *AgeSealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plain and returns the prefixed, base64 encoded ciphertext.
func (s *AgeSealer) Seal(plain string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (s *AgeSealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("open: decode: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
