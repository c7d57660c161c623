package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cli/browser"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atinyakov/hexlock/internal/token"
)

// RedirectConfig configures a RedirectProvider.
type RedirectConfig struct {
	// ProviderURL is the base URL of the provider; /authorize and /token are
	// resolved against it.
	ProviderURL string
	ClientID    string
	// LoginHint preselects the user at the provider.
	LoginHint string
	// ListenAddr is the loopback address for the callback. Defaults to
	// 127.0.0.1:0.
	ListenAddr string
	// HTTPClient is used for the code exchange.
	HTTPClient *http.Client
	// Verifier checks the returned delegation token.
	Verifier *token.Verifier
	// OpenURL sends the user to the provider. Defaults to the system browser.
	OpenURL func(url string) error
	// Notify, when set, receives the sign-in URL before it is opened.
	Notify func(url string)
}

// RedirectProvider signs the user in with an authorization code flow
// (PKCE, loopback redirect).
type RedirectProvider struct {
	cfg RedirectConfig
	log *zap.Logger
}

// NewRedirectProvider validates cfg and returns a provider.
func NewRedirectProvider(cfg RedirectConfig, log *zap.Logger) (*RedirectProvider, error) {
	if cfg.ProviderURL == "" {
		return nil, errors.New("identity provider url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.OpenURL == nil {
		cfg.OpenURL = browser.OpenURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.ProviderURL = strings.TrimRight(cfg.ProviderURL, "/")
	return &RedirectProvider{cfg: cfg, log: log}, nil
}

type callbackResult struct {
	code        string
	err         string
	description string
}

// Authorize implements Provider.
func (p *RedirectProvider) Authorize(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}

	conf := &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.cfg.ProviderURL + "/authorize",
			TokenURL:  p.cfg.ProviderURL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "http://" + ln.Addr().String() + "/callback",
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if opts.MaxSessionLifetime > 0 {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("max_time_to_live",
			strconv.FormatInt(opts.MaxSessionLifetime.Nanoseconds(), 10)))
	}
	if p.cfg.LoginHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", p.cfg.LoginHint))
	}
	authURL := conf.AuthCodeURL(state, authOpts...)

	// Buffered so a callback arriving after Authorize returned never blocks.
	results := make(chan callbackResult, 1)
	r := chi.NewRouter()
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		res := callbackResult{code: q.Get("code"), err: q.Get("error"), description: q.Get("error_description")}
		select {
		case results <- res:
		default:
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != "" {
			_, _ = w.Write([]byte("Sign-in failed. You can close this window.\n"))
			return
		}
		_, _ = w.Write([]byte("Signed in. You can close this window.\n"))
	})
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Warn("callback listener stopped", zap.Error(err))
		}
	}()
	defer srv.Close()

	if p.cfg.Notify != nil {
		p.cfg.Notify(authURL)
	}
	if err := p.cfg.OpenURL(authURL); err != nil {
		p.log.Warn("open browser", zap.Error(err))
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no callback: %v", ErrCancelled, ctx.Err())
	case res = <-results:
	}

	switch {
	case res.err == "access_denied":
		return nil, fmt.Errorf("%w: %s", ErrCancelled, res.description)
	case res.err != "":
		return nil, &ProviderError{Code: res.err, Description: res.description}
	case res.code == "":
		return nil, &ProviderError{Code: "invalid_response", Description: "callback without code"}
	}

	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	id, err := p.cfg.Verifier.Verify(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("verify delegation: %w", err)
	}
	return &Delegation{Token: tok.AccessToken, AccountID: id.AccountID(), ExpiresAt: id.ExpiresAt}, nil
}
