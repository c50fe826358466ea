package oauth

import (
	"fmt"
	"net/url"
	"path"
)

// DefaultScope is requested when the caller doesn't supply one
const DefaultScope = "openid profile"

// AuthorizeParams are the inputs to BuildAuthorizeURL
type AuthorizeParams struct {
	AuthBaseURL   string
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Scope         string
}

// BuildAuthorizeURL composes the authorization-server URL for a PKCE flow.
// Pure string composition: no network or storage access.
func BuildAuthorizeURL(p AuthorizeParams) (*url.URL, error) {
	u, err := url.Parse(p.AuthBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing auth base URL: %w", err)
	}
	u.Path = path.Join(u.Path, "oauth", "authorize")

	scope := p.Scope
	if scope == "" {
		scope = DefaultScope
	}

	q := url.Values{}
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", scope)
	q.Set("state", p.State)
	q.Set("code_challenge", p.CodeChallenge)
	q.Set("code_challenge_method", ChallengeMethodS256)
	u.RawQuery = q.Encode()

	return u, nil
}
