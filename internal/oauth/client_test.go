package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenServer simulates the authorization server's token endpoint with a
// single issued code bound to a PKCE challenge
func fakeTokenServer(t *testing.T, expectedChallenge string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.Equal(t, "tokenfront", r.Header.Get("X-Client-Name"))

		var req struct {
			GrantType    string `json:"grant_type"`
			ClientID     string `json:"client_id"`
			Code         string `json:"code"`
			CodeVerifier string `json:"code_verifier"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.GrantType {
		case "authorization_code":
			h := sha256.Sum256([]byte(req.CodeVerifier))
			if base64.RawURLEncoding.EncodeToString(h[:]) != expectedChallenge {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error":             "invalid_grant",
					"error_description": "code verifier does not match challenge",
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "AT1",
				"expires_in":    3600,
				"token_type":    "Bearer",
				"ephemeral_key": "EK1",
				"user":          map[string]string{"id": "u1", "email": "a@example.com"},
			})
		case "refresh_token":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":         "AT2",
				"expires_in":           3600,
				"ephemeral_key":        "EK2",
				"ephemeral_expires_in": 600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestExchangeAuthorizationCodeRoundTrip(t *testing.T) {
	pkce := GeneratePKCE()
	server := fakeTokenServer(t, pkce.Challenge)
	defer server.Close()

	client := NewClient(0)
	result, err := client.ExchangeAuthorizationCode(context.Background(), ExchangeCodeRequest{
		AuthBaseURL:  server.URL,
		ClientID:     "client-1",
		RedirectURI:  "https://app.example.com/callback",
		Code:         "abc",
		CodeVerifier: pkce.Verifier,
	})
	require.NoError(t, err)

	assert.Equal(t, "AT1", result.AccessToken)
	assert.Equal(t, 3600, result.ExpiresIn)
	assert.Equal(t, "EK1", result.EphemeralKey)
	// Server omitted ephemeral_expires_in, default applies
	assert.Equal(t, DefaultEphemeralTTL, result.EphemeralExpiresIn)
	require.NotNil(t, result.User)
	assert.Equal(t, "a@example.com", result.User.Email)
}

func TestExchangeAuthorizationCodeVerifierMismatch(t *testing.T) {
	pkce := GeneratePKCE()
	server := fakeTokenServer(t, pkce.Challenge)
	defer server.Close()

	client := NewClient(0)
	_, err := client.ExchangeAuthorizationCode(context.Background(), ExchangeCodeRequest{
		AuthBaseURL:  server.URL,
		ClientID:     "client-1",
		RedirectURI:  "https://app.example.com/callback",
		Code:         "abc",
		CodeVerifier: GeneratePKCE().Verifier,
	})
	require.Error(t, err)

	var exchangeErr *ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	assert.Equal(t, FailureAuth, ClassifyFailure(err))
}

func TestExchangeSurfacesBodyLevelError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 2xx wrapper carrying a protocol error in the body
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "access_denied",
			"error_description": "user declined",
		})
	}))
	defer server.Close()

	client := NewClient(0)
	_, err := client.ExchangeRefreshToken(context.Background(), RefreshRequest{
		AuthBaseURL: server.URL,
		ClientID:    "client-1",
	})
	var protocolErr *ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	assert.Equal(t, "access_denied", protocolErr.Code)
	assert.Equal(t, "user declined", protocolErr.Description)
}

func TestExchangeRefreshToken(t *testing.T) {
	server := fakeTokenServer(t, "")
	defer server.Close()

	client := NewClient(0)
	result, err := client.ExchangeRefreshToken(context.Background(), RefreshRequest{
		AuthBaseURL: server.URL,
		ClientID:    "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "AT2", result.AccessToken)
	assert.Equal(t, "EK2", result.EphemeralKey)
	assert.Equal(t, 600, result.EphemeralExpiresIn)
}

func TestRotationDetection(t *testing.T) {
	value := "first"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "server_session", Value: value, Path: "/"})
		json.NewEncoder(w).Encode(map[string]any{"access_token": "AT", "expires_in": 3600})
	}))
	defer server.Close()

	client := NewClient(0)
	req := RefreshRequest{AuthBaseURL: server.URL, ClientID: "client-1"}

	result, err := client.ExchangeRefreshToken(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, result.RotatedCookies)

	// Same value again: no rotation
	result, err = client.ExchangeRefreshToken(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, result.RotatedCookies)

	// Changed value: rotation observed
	value = "second"
	result, err = client.ExchangeRefreshToken(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"server_session"}, result.RotatedCookies)
}

func TestFetchUserInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/userinfo", r.URL.Path)
		require.Equal(t, "Bearer AT1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"id": "u1", "name": "Alice"})
	}))
	defer server.Close()

	client := NewClient(0)
	profile, err := client.FetchUserInfo(context.Background(), server.URL, "AT1")
	require.NoError(t, err)
	assert.Equal(t, "u1", profile.ID)
	assert.Equal(t, "Alice", profile.Name)
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, FailureAuth, ClassifyFailure(&ExchangeError{StatusCode: 401}))
	assert.Equal(t, FailureAuth, ClassifyFailure(&ExchangeError{StatusCode: 403}))
	// Ambiguous empty 400 is conservatively an auth failure
	assert.Equal(t, FailureAuth, ClassifyFailure(&ExchangeError{StatusCode: 400}))
	assert.Equal(t, FailureAuth, ClassifyFailure(&ExchangeError{StatusCode: 400, Body: `{"error":"invalid_grant"}`}))
	assert.Equal(t, FailureTransient, ClassifyFailure(&ExchangeError{StatusCode: 400, Body: `{"error":"rate_limited"}`}))
	assert.Equal(t, FailureTransient, ClassifyFailure(&ExchangeError{StatusCode: 500, Body: "oops"}))
	assert.Equal(t, FailureTransient, ClassifyFailure(&ExchangeError{StatusCode: 502}))
	assert.Equal(t, FailureAuth, ClassifyFailure(&ProtocolError{Code: "invalid_grant"}))
	assert.Equal(t, FailureTransient, ClassifyFailure(errors.New("dial tcp: connection refused")))
}
