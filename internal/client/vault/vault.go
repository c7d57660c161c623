// Package vault is the client for the remote credential store. Every call is
// scoped to an account identifier and authorized with the session's bearer
// token; mutations return nothing, callers re-list to confirm.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/client/identity"
	"github.com/atinyakov/hexlock/internal/models"
)

// ErrRemoteUnavailable is returned when the store could not be reached or
// failed to answer.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// RemoteRejectedError is returned when the store declined a request.
type RemoteRejectedError struct {
	Status int
	Detail string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote store rejected request (%d): %s", e.Status, e.Detail)
}

// TokenSource supplies the bearer token of the live session.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// Client talks to the store's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger
}

// New returns a Client for the store at baseURL.
func New(baseURL string, httpClient *http.Client, tokens TokenSource, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		log:     log,
	}
}

// AddEntry stores a new credential. Duplicates are accepted.
func (c *Client) AddEntry(ctx context.Context, accountID, site, username, secret string) error {
	return c.do(ctx, http.MethodPost, accountID, "", entry(site, username, secret), nil)
}

// ListEntries returns every credential of the account in store order.
func (c *Client) ListEntries(ctx context.Context, accountID string) ([]models.Credential, error) {
	var out []models.Credential
	if err := c.do(ctx, http.MethodGet, accountID, "", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Credential{}
	}
	return out, nil
}

// EditEntry replaces the secret of the only credential matching
// (site, username). The store rejects the call when there is no match or
// more than one.
func (c *Client) EditEntry(ctx context.Context, accountID, site, username, secret string) error {
	return c.do(ctx, http.MethodPut, accountID, "", entry(site, username, secret), nil)
}

// DeleteEntry removes every credential equal to (site, username, secret).
func (c *Client) DeleteEntry(ctx context.Context, accountID, site, username, secret string) error {
	return c.do(ctx, http.MethodDelete, accountID, "", entry(site, username, secret), nil)
}

// EditEntryByID overwrites the credential with the given id.
func (c *Client) EditEntryByID(ctx context.Context, accountID, id, site, username, secret string) error {
	if id == "" {
		return &RemoteRejectedError{Status: http.StatusBadRequest, Detail: "empty entry id"}
	}
	return c.do(ctx, http.MethodPut, accountID, id, entry(site, username, secret), nil)
}

// DeleteEntryByID removes the credential with the given id.
func (c *Client) DeleteEntryByID(ctx context.Context, accountID, id string) error {
	if id == "" {
		return &RemoteRejectedError{Status: http.StatusBadRequest, Detail: "empty entry id"}
	}
	return c.do(ctx, http.MethodDelete, accountID, id, nil, nil)
}

func entry(site, username, secret string) *models.Entry {
	return &models.Entry{Site: site, Username: username, Secret: secret}
}

func (c *Client) do(ctx context.Context, method, accountID, id string, body, out any) error {
	if accountID == "" {
		return identity.ErrNotAuthenticated
	}
	bearer, err := c.tokens.BearerToken(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/api/accounts/" + url.PathEscape(accountID) + "/entries"
	if id != "" {
		endpoint += "/" + url.PathEscape(id)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("vault request failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	c.log.Debug("vault request", zap.String("method", method), zap.String("url", endpoint), zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: store refused the session", identity.ErrNotAuthenticated)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, resp.StatusCode, readDetail(resp.Body))
	case resp.StatusCode >= 400:
		return &RemoteRejectedError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: unexpected status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(data))
}
