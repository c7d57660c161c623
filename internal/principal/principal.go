// Package principal encodes account identifiers derived from public keys.
//
// A principal is at most 29 raw bytes. Self-authenticating principals are the
// SHA-224 digest of a DER encoded public key followed by the 0x02 tag byte.
// The textual form prefixes the bytes with their big-endian CRC-32, encodes the
// result as lowercase unpadded base32 and separates groups of five characters
// with dashes, e.g. "2vxsx-fae".
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	// MaxLength is the maximum raw length of a principal in bytes.
	MaxLength = 29

	selfAuthenticatingTag = 0x02
	anonymousTag          = 0x04
	groupSize             = 5
)

var (
	// ErrInvalid is returned when a textual principal cannot be decoded.
	ErrInvalid = errors.New("invalid principal")

	encoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// Principal is the raw byte form of an account identifier.
type Principal []byte

// Anonymous is the principal of unauthenticated callers.
var Anonymous = Principal{anonymousTag}

// SelfAuthenticating derives the principal owned by the holder of the given
// DER encoded public key.
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	p := make(Principal, 0, len(sum)+1)
	p = append(p, sum[:]...)
	return append(p, selfAuthenticatingTag)
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return bytes.Equal(p, Anonymous)
}

// Equal reports whether p and other denote the same principal.
func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p, other)
}

// String returns the canonical textual encoding.
func (p Principal) String() string {
	buf := make([]byte, 4, 4+len(p))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p))
	buf = append(buf, p...)

	encoded := strings.ToLower(encoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(encoded); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+groupSize, len(encoded))
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

// Parse decodes a textual principal. The input must be in canonical form:
// lowercase, correctly grouped and carrying a matching checksum.
func Parse(text string) (Principal, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(strings.ReplaceAll(text, "-", "")))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: too short", ErrInvalid)
	}
	p := Principal(raw[4:])
	if len(p) > MaxLength {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalid, MaxLength)
	}
	if binary.BigEndian.Uint32(raw[:4]) != crc32.ChecksumIEEE(p) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	if p.String() != text {
		return nil, fmt.Errorf("%w: not in canonical form", ErrInvalid)
	}
	return p, nil
}
