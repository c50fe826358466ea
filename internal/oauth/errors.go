package oauth

import (
	"errors"
	"fmt"
	"strings"
)

// CSRFError indicates the state returned on the callback didn't match the
// one stored before redirecting. Fatal: the callback is aborted and the
// PKCE state discarded.
type CSRFError struct{}

func (e *CSRFError) Error() string {
	return "state parameter mismatch, possible CSRF attack"
}

// ProtocolError carries an error reported by the authorization server in the
// response body, even under an HTTP 2xx wrapper. Fatal for the current flow.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization server error: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization server error: %s", e.Code)
}

// ExchangeError is a non-2xx HTTP response from the token endpoint. Body is
// empty when it could not be read, which matters for failure classification.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// FailureClass partitions refresh/exchange failures for the retry and
// recovery policy
type FailureClass int

const (
	// FailureTransient covers network-level failures and server errors
	// unrelated to credential validity. Never clears the session; eligible
	// for the bounded retry.
	FailureTransient FailureClass = iota

	// FailureAuth covers responses indicating the grant itself is invalid or
	// expired. Triggers session recovery.
	FailureAuth
)

// grantFailurePatterns are body fragments that mark a rejected grant even
// when the status code alone is ambiguous
var grantFailurePatterns = []string{
	"invalid_grant",
	"invalid_token",
	"expired",
	"unauthorized",
}

// ClassifyFailure decides whether a token-endpoint failure means the
// credential is gone (auth) or the attempt just didn't get through
// (transient). An empty 400 body is treated conservatively as an auth
// failure because cross-origin restrictions can mask the real body.
func ClassifyFailure(err error) FailureClass {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return FailureAuth
	}

	var exchangeErr *ExchangeError
	if errors.As(err, &exchangeErr) {
		switch {
		case exchangeErr.StatusCode == 401 || exchangeErr.StatusCode == 403:
			return FailureAuth
		case exchangeErr.StatusCode == 400 && strings.TrimSpace(exchangeErr.Body) == "":
			return FailureAuth
		case exchangeErr.StatusCode >= 500:
			return FailureTransient
		default:
			body := strings.ToLower(exchangeErr.Body)
			for _, pattern := range grantFailurePatterns {
				if strings.Contains(body, pattern) {
					return FailureAuth
				}
			}
			return FailureTransient
		}
	}

	// Request never completed: network-level failure
	return FailureTransient
}
