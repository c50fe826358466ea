package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/dgellow/tokenfront/internal/log"
	"github.com/dgellow/tokenfront/internal/session"
)

const (
	// clientName/clientVersion identify this client to the token endpoint
	clientName    = "tokenfront"
	clientVersion = "1.0"

	// DefaultEphemeralTTL applies when the server omits ephemeral_expires_in
	DefaultEphemeralTTL = 300

	errorBodyLimit = 64 * 1024
)

// TokenResult is the parsed token-endpoint response
type TokenResult struct {
	AccessToken        string
	RefreshToken       string
	ExpiresIn          int
	EphemeralKey       string
	EphemeralExpiresIn int
	User               *session.UserProfile

	// RotatedCookies lists server session cookies whose value changed during
	// this exchange, when rotation was observed
	RotatedCookies []string
}

// ExchangeCodeRequest are the inputs to the authorization-code exchange
type ExchangeCodeRequest struct {
	AuthBaseURL  string
	ClientID     string
	RedirectURI  string
	Code         string
	CodeVerifier string
}

// RefreshRequest are the inputs to the refresh exchange. No refresh token is
// supplied by the caller: authentication is carried by an HTTP-only cookie
// set by the server, which the client's cookie jar round-trips.
type RefreshRequest struct {
	AuthBaseURL string
	ClientID    string
}

// Client performs the HTTP calls of the flow and watches response headers
// for server-side session rotation
type Client struct {
	httpClient *http.Client

	mu          sync.Mutex
	seenCookies map[string]string
}

// NewClient creates a token exchange client with a cookie jar, so the
// server's session cookie survives between the code exchange and later
// refreshes
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		seenCookies: make(map[string]string),
	}
}

// tokenRequest is the JSON body sent to the token endpoint
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// tokenResponse is the wire shape of the token endpoint's response
type tokenResponse struct {
	AccessToken        string               `json:"access_token"`
	RefreshToken       string               `json:"refresh_token"`
	ExpiresIn          int                  `json:"expires_in"`
	TokenType          string               `json:"token_type"`
	EphemeralKey       string               `json:"ephemeral_key"`
	EphemeralExpiresIn int                  `json:"ephemeral_expires_in"`
	User               *session.UserProfile `json:"user"`
	Error              string               `json:"error"`
	ErrorDescription   string               `json:"error_description"`
}

// ExchangeAuthorizationCode trades an authorization code and its PKCE
// verifier for tokens
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, req ExchangeCodeRequest) (*TokenResult, error) {
	return c.postToken(ctx, req.AuthBaseURL, tokenRequest{
		GrantType:    "authorization_code",
		ClientID:     req.ClientID,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
}

// ExchangeRefreshToken asks the token endpoint for fresh tokens on the
// strength of the server's session cookie
func (c *Client) ExchangeRefreshToken(ctx context.Context, req RefreshRequest) (*TokenResult, error) {
	return c.postToken(ctx, req.AuthBaseURL, tokenRequest{
		GrantType: "refresh_token",
		ClientID:  req.ClientID,
	})
}

func (c *Client) postToken(ctx context.Context, baseURL string, body tokenRequest) (*TokenResult, error) {
	endpoint, err := joinPath(baseURL, "oauth", "token")
	if err != nil {
		return nil, fmt.Errorf("building token endpoint URL: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client-Name", clientName)
	httpReq.Header.Set("X-Client-Version", clientVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	rotated := c.observeCookies(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExchangeError{
			StatusCode: resp.StatusCode,
			Body:       readLimited(resp.Body, errorBodyLimit),
		}
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}

	if parsed.Error != "" {
		return nil, &ProtocolError{Code: parsed.Error, Description: parsed.ErrorDescription}
	}

	result := &TokenResult{
		AccessToken:        parsed.AccessToken,
		RefreshToken:       parsed.RefreshToken,
		ExpiresIn:          parsed.ExpiresIn,
		EphemeralKey:       parsed.EphemeralKey,
		EphemeralExpiresIn: parsed.EphemeralExpiresIn,
		User:               parsed.User,
		RotatedCookies:     rotated,
	}
	if result.EphemeralKey != "" && result.EphemeralExpiresIn <= 0 {
		result.EphemeralExpiresIn = DefaultEphemeralTTL
	}

	return result, nil
}

// FetchUserInfo retrieves the profile record from the user-info endpoint
func (c *Client) FetchUserInfo(ctx context.Context, baseURL, accessToken string) (*session.UserProfile, error) {
	endpoint, err := joinPath(baseURL, "oauth", "userinfo")
	if err != nil {
		return nil, fmt.Errorf("building userinfo URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Client-Name", clientName)
	req.Header.Set("X-Client-Version", clientVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{
			StatusCode: resp.StatusCode,
			Body:       readLimited(resp.Body, errorBodyLimit),
		}
	}

	var profile session.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("parsing userinfo response: %w", err)
	}
	return &profile, nil
}

// observeCookies compares the response's Set-Cookie values against those
// seen on earlier exchanges. A previously seen cookie arriving with a new
// value means the server rotated its own session.
func (c *Client) observeCookies(resp *http.Response) []string {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var rotated []string
	for _, cookie := range cookies {
		previous, seen := c.seenCookies[cookie.Name]
		if seen && previous != cookie.Value {
			rotated = append(rotated, cookie.Name)
		}
		c.seenCookies[cookie.Name] = cookie.Value
	}

	if len(rotated) > 0 {
		log.LogDebugWithFields("oauth", "Server session cookie rotation observed", map[string]any{
			"cookies": rotated,
		})
	}
	return rotated
}

// readLimited returns up to limit bytes of r for inclusion in error values.
// A read failure yields an empty string, which classification treats
// conservatively.
func readLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return string(body)
}

// joinPath joins URL path segments onto a base, tolerating trailing slashes
func joinPath(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(append([]string{u.Path}, segments...)...)
	return u.String(), nil
}
