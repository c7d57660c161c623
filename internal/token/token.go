// Package token issues and verifies the delegation tokens handed out by the
// identity provider. A delegation is an ES256 JWT whose subject is the
// principal of the user public key carried in the "pub" claim, so the account
// identifier can be checked against the key it was derived from.
package token

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atinyakov/hexlock/internal/principal"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid delegation token")

// Claims is the payload of a delegation token.
type Claims struct {
	// PublicKey is the base64 encoded DER public key of the user.
	PublicKey string `json:"pub"`
	jwt.RegisteredClaims
}

// Identity is the verified content of a delegation.
type Identity struct {
	Principal principal.Principal
	ExpiresAt time.Time
}

// AccountID returns the textual principal.
func (i Identity) AccountID() string {
	return i.Principal.String()
}

// Issuer signs delegation tokens.
type Issuer struct {
	key    *ecdsa.PrivateKey
	issuer string
	now    func() time.Time
}

// NewIssuer returns an Issuer signing with key on behalf of issuer.
func NewIssuer(key *ecdsa.PrivateKey, issuer string) *Issuer {
	return &Issuer{key: key, issuer: issuer, now: time.Now}
}

// Issue signs a delegation for the holder of derPublicKey, valid for ttl and
// bound to the given audience (the client id).
func (i *Issuer) Issue(audience string, derPublicKey []byte, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token lifetime must be positive, got %v", ttl)
	}
	now := i.now()
	expires := now.Add(ttl)
	claims := Claims{
		PublicKey: base64.StdEncoding.EncodeToString(derPublicKey),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   principal.SelfAuthenticating(derPublicKey).String(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign delegation: %w", err)
	}
	return signed, expires.Truncate(time.Second), nil
}

// Verifier checks delegation tokens against the provider's public key.
type Verifier struct {
	key      *ecdsa.PublicKey
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier returns a Verifier. An empty audience disables the audience check.
func NewVerifier(key *ecdsa.PublicKey, issuer, audience string) *Verifier {
	return &Verifier{key: key, issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses raw and returns the identity it delegates. Tokens naming the
// anonymous principal are rejected.
func (v *Verifier) Verify(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := principal.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	if subject.IsAnonymous() {
		return Identity{}, fmt.Errorf("%w: anonymous principal", ErrInvalidToken)
	}

	der, err := base64.StdEncoding.DecodeString(claims.PublicKey)
	if err != nil || len(der) == 0 {
		return Identity{}, fmt.Errorf("%w: malformed public key claim", ErrInvalidToken)
	}
	if !principal.SelfAuthenticating(der).Equal(subject) {
		return Identity{}, fmt.Errorf("%w: subject does not match public key", ErrInvalidToken)
	}

	return Identity{Principal: subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}
