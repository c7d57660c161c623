package http_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atinyakov/hexlock/internal/idp"
	"github.com/atinyakov/hexlock/internal/models"
	handler "github.com/atinyakov/hexlock/internal/server/handler/http"
	"github.com/atinyakov/hexlock/internal/service"
	"github.com/atinyakov/hexlock/internal/token"
)

const clientID = "hexlock-cli"

// fakeVaultService records calls and returns preconfigured results.
type fakeVaultService struct {
	calls   []string
	account string
	entry   models.Entry
	id      string

	list []models.Credential
	err  error
}

func (f *fakeVaultService) record(name, account string) {
	f.calls = append(f.calls, name)
	f.account = account
}

func (f *fakeVaultService) Add(_ context.Context, account string, e models.Entry) (models.Credential, error) {
	f.record("add", account)
	f.entry = e
	return models.Credential{ID: "new-id", Site: e.Site, Username: e.Username, Secret: e.Secret}, f.err
}
func (f *fakeVaultService) List(_ context.Context, account string) ([]models.Credential, error) {
	f.record("list", account)
	return f.list, f.err
}
func (f *fakeVaultService) Edit(_ context.Context, account string, e models.Entry) error {
	f.record("edit", account)
	f.entry = e
	return f.err
}
func (f *fakeVaultService) Delete(_ context.Context, account string, e models.Entry) error {
	f.record("delete", account)
	f.entry = e
	return f.err
}
func (f *fakeVaultService) EditByID(_ context.Context, account, id string, e models.Entry) error {
	f.record("editByID", account)
	f.id, f.entry = id, e
	return f.err
}
func (f *fakeVaultService) DeleteByID(_ context.Context, account, id string) error {
	f.record("deleteByID", account)
	f.id = id
	return f.err
}

type testServer struct {
	srv      *httptest.Server
	svc      *fakeVaultService
	provider *idp.Provider
	verifier *token.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	provider, err := idp.New(idp.Config{
		ClientID: clientID,
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		MaxTTL:   time.Hour,
	}, token.NewIssuer(key, "dev-idp"), nil)
	require.NoError(t, err)

	ts := &testServer{
		svc:      &fakeVaultService{},
		provider: provider,
		verifier: token.NewVerifier(&key.PublicKey, "dev-idp", clientID),
	}
	router := handler.NewRouter(
		&handler.EntriesHandler{VaultService: ts.svc},
		&handler.IdPHandler{Provider: provider},
		ts.verifier,
		zap.NewNop(),
	)
	ts.srv = httptest.NewServer(router)
	t.Cleanup(ts.srv.Close)
	return ts
}

// login runs the code flow against the router and returns the bearer token
// and the account it is bound to.
func (ts *testServer) login(t *testing.T, user string) (string, string) {
	t.Helper()
	pkce := oauth2.GenerateVerifier()
	redirect := "http://127.0.0.1:9/callback"

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirect},
		"state":                 {"st"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(pkce)},
		"code_challenge_method": {"S256"},
		"login_hint":            {user},
		"max_time_to_live":      {"1800000000000"},
	}
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(ts.srv.URL + "/idp/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "st", loc.Query().Get("state"))

	resp, err = http.PostForm(ts.srv.URL+"/idp/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {redirect},
		"client_id":     {clientID},
		"code_verifier": {pkce},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok idp.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.EqualValues(t, 1800, tok.ExpiresIn)

	id, err := ts.verifier.Verify(tok.AccessToken)
	require.NoError(t, err)
	return tok.AccessToken, id.AccountID()
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEntries_Routes(t *testing.T) {
	ts := newTestServer(t)
	bearer, account := ts.login(t, "alice")
	base := "/api/accounts/" + account + "/entries"
	e := models.Entry{Site: "github.com", Username: "dev", Secret: "s3cr3t"}

	tests := []struct {
		method     string
		path       string
		body       any
		wantCall   string
		wantStatus int
	}{
		{http.MethodGet, base, nil, "list", http.StatusOK},
		{http.MethodPost, base, e, "add", http.StatusCreated},
		{http.MethodPut, base, e, "edit", http.StatusNoContent},
		{http.MethodDelete, base, e, "delete", http.StatusNoContent},
		{http.MethodPut, base + "/id-7", e, "editByID", http.StatusNoContent},
		{http.MethodDelete, base + "/id-7", nil, "deleteByID", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.wantCall, func(t *testing.T) {
			ts.svc.calls = nil
			resp := ts.do(t, tt.method, tt.path, bearer, tt.body)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, []string{tt.wantCall}, ts.svc.calls)
			assert.Equal(t, account, ts.svc.account)
			if tt.body != nil {
				assert.Equal(t, e, ts.svc.entry)
			}
			if strings.HasSuffix(tt.path, "/id-7") {
				assert.Equal(t, "id-7", ts.svc.id)
			}
		})
	}
}

func TestEntries_ListBody(t *testing.T) {
	ts := newTestServer(t)
	bearer, account := ts.login(t, "alice")
	ts.svc.list = []models.Credential{{ID: "1", Site: "github.com", Username: "dev", Secret: "a"}}

	resp := ts.do(t, http.MethodGet, "/api/accounts/"+account+"/entries", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []models.Credential
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, ts.svc.list, got)
}

func TestEntries_Access(t *testing.T) {
	ts := newTestServer(t)
	bearer, account := ts.login(t, "alice")
	_, other := ts.login(t, "bob")
	require.NotEqual(t, account, other)

	resp := ts.do(t, http.MethodGet, "/api/accounts/"+account+"/entries", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/accounts/"+account+"/entries", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/accounts/"+other+"/entries", bearer, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, ts.svc.calls)
}

func TestEntries_Errors(t *testing.T) {
	ts := newTestServer(t)
	bearer, account := ts.login(t, "alice")
	base := "/api/accounts/" + account + "/entries"
	e := models.Entry{Site: "github.com", Username: "dev", Secret: "s3cr3t"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"invalid", service.ErrInvalidEntry, http.StatusBadRequest, "site and secret are required\n"},
		{"not found", service.ErrNotFound, http.StatusNotFound, "no matching entry\n"},
		{"ambiguous", service.ErrAmbiguous, http.StatusConflict, "more than one entry matches\n"},
		{"internal", errors.New("db down"), http.StatusInternalServerError, "internal error\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.svc.err = tt.err
			resp := ts.do(t, http.MethodPut, base, bearer, e)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(resp.Body)
			assert.Equal(t, tt.wantBody, buf.String())
		})
	}
}

func TestEntries_BadBody(t *testing.T) {
	ts := newTestServer(t)
	bearer, account := ts.login(t, "alice")

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/accounts/"+account+"/entries",
		strings.NewReader("not-a-json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, ts.srv.URL+"/api/accounts/"+account+"/entries",
		strings.NewReader("site=x"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

func TestIdP_Errors(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/idp/authorize?client_id=" + clientID + "&redirect_uri=https://evil.example/cb")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.srv.URL + "/idp/authorize?max_time_to_live=soon")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.PostForm(ts.srv.URL+"/idp/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {"unknown"}, "code_verifier": {"v"},
		"client_id": {clientID},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_grant", body["error"])
}
