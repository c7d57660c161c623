package identity

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"

	"github.com/atinyakov/hexlock/internal/token"
)

// ErrNotAuthenticated is returned when an operation needs a live session and
// there is none.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrCancelled is returned by providers when the user declined or abandoned
// the sign-in.
var ErrCancelled = errors.New("login cancelled")

// Reason classifies a failed login.
type Reason string

const (
	ReasonCancelled Reason = "cancelled"
	ReasonNetwork   Reason = "network"
	ReasonProvider  Reason = "provider"
)

// AuthenticationFailedError is returned by Manager.Login when the handshake
// did not produce a session.
type AuthenticationFailedError struct {
	Reason Reason
	Err    error
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthenticationFailedError) Unwrap() error {
	return e.Err
}

// ProviderError is an error reported by the identity provider on the
// redirect back to the client.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "identity provider: " + e.Code
	}
	return fmt.Sprintf("identity provider: %s: %s", e.Code, e.Description)
}

func classify(err error) Reason {
	var (
		netErr      net.Error
		providerErr *ProviderError
		retrieveErr *oauth2.RetrieveError
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.As(err, &providerErr), errors.As(err, &retrieveErr), errors.Is(err, token.ErrInvalidToken):
		return ReasonProvider
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ReasonNetwork
	default:
		return ReasonProvider
	}
}
