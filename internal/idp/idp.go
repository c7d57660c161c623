// Package idp is a development identity provider. It implements the
// authorization code flow with PKCE for loopback clients, approves the user
// named by login_hint without interaction and issues delegation tokens for a
// per-user key derived from the provider secret.
package idp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/atinyakov/hexlock/internal/principal"
	"github.com/atinyakov/hexlock/internal/token"
)

// CodeLifetime is how long an authorization code can be redeemed.
const CodeLifetime = time.Minute

// ErrBadRedirect is returned when the client or redirect URI of an
// authorization request cannot be trusted, so no redirect is possible.
var ErrBadRedirect = errors.New("invalid client or redirect uri")

// Error is an OAuth error reported to the client.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Config holds the provider settings.
type Config struct {
	// ClientID is the only client allowed to authorize.
	ClientID string
	// Secret is the key material user keys are derived from.
	Secret []byte
	// MaxTTL bounds the lifetime of issued delegations.
	MaxTTL time.Duration
}

// AuthorizeRequest is the parsed query of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	LoginHint           string
	MaxTimeToLive       time.Duration
}

// TokenRequest is the parsed form of a token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// Token is a successful token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type grant struct {
	user        string
	clientID    string
	redirectURI string
	challenge   string
	ttl         time.Duration
	expires     time.Time
}

// Provider issues authorization codes and delegation tokens.
type Provider struct {
	cfg    Config
	issuer *token.Issuer
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	codes map[string]grant
}

// New returns a Provider signing delegations with issuer.
func New(cfg Config, issuer *token.Issuer, log *zap.Logger) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if len(cfg.Secret) < 16 {
		return nil, errors.New("provider secret must be at least 16 bytes")
	}
	if cfg.MaxTTL <= 0 {
		return nil, fmt.Errorf("max delegation lifetime must be positive, got %v", cfg.MaxTTL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		issuer: issuer,
		log:    log,
		now:    time.Now,
		codes:  make(map[string]grant),
	}, nil
}

// Authorize approves req and returns the URL the user agent is sent back to.
// Problems with the request itself are reported through the redirect;
// ErrBadRedirect is returned when the redirect target is not acceptable.
func (p *Provider) Authorize(req AuthorizeRequest) (*url.URL, error) {
	if req.ClientID != p.cfg.ClientID {
		return nil, ErrBadRedirect
	}
	redirect, err := loopback(req.RedirectURI)
	if err != nil {
		return nil, err
	}

	q := redirect.Query()
	if req.State != "" {
		q.Set("state", req.State)
	}
	fail := func(code, desc string) (*url.URL, error) {
		q.Set("error", code)
		q.Set("error_description", desc)
		redirect.RawQuery = q.Encode()
		return redirect, nil
	}

	switch {
	case req.ResponseType != "code":
		return fail("unsupported_response_type", "only the code flow is supported")
	case req.CodeChallengeMethod != "S256" || req.CodeChallenge == "":
		return fail("invalid_request", "an S256 code challenge is required")
	case req.LoginHint == "":
		return fail("login_required", "login_hint names the user to sign in")
	case req.MaxTimeToLive < 0:
		return fail("invalid_request", "max_time_to_live must not be negative")
	}

	ttl := p.cfg.MaxTTL
	if req.MaxTimeToLive > 0 && req.MaxTimeToLive < ttl {
		ttl = req.MaxTimeToLive
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.purge()
	p.codes[code] = grant{
		user:        req.LoginHint,
		clientID:    req.ClientID,
		redirectURI: req.RedirectURI,
		challenge:   req.CodeChallenge,
		ttl:         ttl,
		expires:     p.now().Add(CodeLifetime),
	}
	p.mu.Unlock()

	p.log.Info("authorization granted", zap.String("user", req.LoginHint), zap.Duration("ttl", ttl))
	q.Set("code", code)
	redirect.RawQuery = q.Encode()
	return redirect, nil
}

// Exchange redeems an authorization code for a delegation token. Codes are
// single use.
func (p *Provider) Exchange(req TokenRequest) (Token, error) {
	if req.GrantType != "authorization_code" {
		return Token{}, &Error{Code: "unsupported_grant_type"}
	}
	if req.Code == "" || req.CodeVerifier == "" {
		return Token{}, &Error{Code: "invalid_request", Description: "code and code_verifier are required"}
	}

	p.mu.Lock()
	g, ok := p.codes[req.Code]
	delete(p.codes, req.Code)
	p.mu.Unlock()

	switch {
	case !ok || p.now().After(g.expires):
		return Token{}, &Error{Code: "invalid_grant", Description: "unknown or expired code"}
	case req.ClientID != g.clientID:
		return Token{}, &Error{Code: "invalid_client"}
	case req.RedirectURI != g.redirectURI:
		return Token{}, &Error{Code: "invalid_grant", Description: "redirect_uri mismatch"}
	case !challengeMatches(g.challenge, req.CodeVerifier):
		return Token{}, &Error{Code: "invalid_grant", Description: "code_verifier mismatch"}
	}

	der, err := p.UserKey(g.user)
	if err != nil {
		return Token{}, err
	}
	raw, _, err := p.issuer.Issue(g.clientID, der, g.ttl)
	if err != nil {
		return Token{}, err
	}
	return Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(g.ttl / time.Second),
	}, nil
}

// UserKey returns the DER encoded public key of user.
func (p *Provider) UserKey(user string) ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, p.cfg.Secret, nil, []byte("hexlock user key: "+user))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("derive user key: %w", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal user key: %w", err)
	}
	return der, nil
}

// Principal returns the account identifier user signs in as.
func (p *Provider) Principal(user string) (principal.Principal, error) {
	der, err := p.UserKey(user)
	if err != nil {
		return nil, err
	}
	return principal.SelfAuthenticating(der), nil
}

// purge drops expired codes. Callers hold p.mu.
func (p *Provider) purge() {
	now := p.now()
	for code, g := range p.codes {
		if now.After(g.expires) {
			delete(p.codes, code)
		}
	}
}

func loopback(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" || u.Fragment != "" {
		return nil, ErrBadRedirect
	}
	host := u.Hostname()
	if host == "localhost" {
		return u, nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, ErrBadRedirect
	}
	return u, nil
}

func challengeMatches(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(challenge)) == 1
}
