package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/atinyakov/hexlock/internal/idp"
)

// IdentityProvider defines the operations required by the IdPHandler.
type IdentityProvider interface {
	Authorize(req idp.AuthorizeRequest) (*url.URL, error)
	Exchange(req idp.TokenRequest) (idp.Token, error)
}

// IdPHandler serves the development identity provider endpoints.
type IdPHandler struct {
	Provider IdentityProvider
}

// Authorize handles GET /idp/authorize and redirects back to the client.
func (h *IdPHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := idp.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		LoginHint:           q.Get("login_hint"),
	}
	if raw := q.Get("max_time_to_live"); raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid max_time_to_live", http.StatusBadRequest)
			return
		}
		req.MaxTimeToLive = time.Duration(ns)
	}

	target, err := h.Provider.Authorize(req)
	if err != nil {
		if errors.Is(err, idp.ErrBadRedirect) {
			http.Error(w, "invalid client or redirect uri", http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token handles POST /idp/token.
func (h *IdPHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &idp.Error{Code: "invalid_request", Description: "malformed form"})
		return
	}
	tok, err := h.Provider.Exchange(idp.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tok)
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *idp.Error
	if !errors.As(err, &oerr) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusBadRequest
	if oerr.Code == "invalid_client" {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}
