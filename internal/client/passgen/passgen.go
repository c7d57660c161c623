// Package passgen produces random secrets for new credentials.
package passgen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	// DefaultLength is the length of generated passwords.
	DefaultLength = 12

	lower   = "abcdefghijklmnopqrstuvwxyz"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	symbols = "!@#$%^&*()_+"

	// DefaultCharset is the alphabet used when no option overrides it.
	DefaultCharset = lower + upper + digits + symbols
)

// Generator draws passwords uniformly from a fixed charset. It holds no
// mutable state and is safe for concurrent use.
type Generator struct {
	length  int
	charset []rune
}

// Option customizes a Generator.
type Option func(*Generator)

// WithLength sets the number of characters per password.
func WithLength(n int) Option {
	return func(g *Generator) { g.length = n }
}

// WithCharset replaces the alphabet.
func WithCharset(charset string) Option {
	return func(g *Generator) { g.charset = []rune(charset) }
}

// WithoutSymbols restricts the alphabet to letters and digits.
func WithoutSymbols() Option {
	return WithCharset(lower + upper + digits)
}

// New returns a Generator with the default length and charset unless
// overridden by opts.
func New(opts ...Option) (*Generator, error) {
	g := &Generator{length: DefaultLength, charset: []rune(DefaultCharset)}
	for _, opt := range opts {
		opt(g)
	}
	if g.length <= 0 {
		return nil, fmt.Errorf("password length must be positive, got %d", g.length)
	}
	if len(g.charset) < 2 {
		return nil, errors.New("charset needs at least two characters")
	}
	seen := make(map[rune]struct{}, len(g.charset))
	for _, r := range g.charset {
		if _, dup := seen[r]; dup {
			return nil, fmt.Errorf("charset repeats %q", r)
		}
		seen[r] = struct{}{}
	}
	return g, nil
}

// Charset returns the alphabet passwords are drawn from.
func (g *Generator) Charset() string {
	return string(g.charset)
}

// Generate returns a new password.
func (g *Generator) Generate() (string, error) {
	size := big.NewInt(int64(len(g.charset)))
	out := make([]rune, g.length)
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out[i] = g.charset[n.Int64()]
	}
	return string(out), nil
}

// Hex returns nBytes random bytes encoded as lowercase hex.
func Hex(nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", fmt.Errorf("byte count must be positive, got %d", nBytes)
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
