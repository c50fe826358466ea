// Package session holds the authenticated-state data model and the stores
// that persist its storage-safe projections.
package session

import "time"

// RefreshThreshold is how early a credential is considered in need of a
// refresh before its actual expiry. Set to 5 minutes to prevent tokens
// expiring mid-operation when the user cannot easily re-authenticate.
const RefreshThreshold = 5 * time.Minute

// UserProfile is the non-sensitive identity data carried in a session
type UserProfile struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Merge returns a profile combining p with incoming, preferring incoming
// fields that are set and keeping existing values otherwise. Neither input
// is mutated.
func (p *UserProfile) Merge(incoming *UserProfile) *UserProfile {
	if p == nil {
		if incoming == nil {
			return nil
		}
		out := *incoming
		return &out
	}
	out := *p
	if incoming == nil {
		return &out
	}
	if incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.Email != "" {
		out.Email = incoming.Email
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	return &out
}

// Session is the authenticated state owned by a Manager. The access token
// and the ephemeral key have independent lifetimes; both freshness windows
// must be checked before handing a credential to a downstream client.
type Session struct {
	AccessToken      string       `json:"access_token,omitempty"`
	AccessExpires    time.Time    `json:"access_expires,omitempty"`
	EphemeralKey     string       `json:"ephemeral_key,omitempty"`
	EphemeralExpires time.Time    `json:"ephemeral_expires,omitempty"`
	User             *UserProfile `json:"user,omitempty"`
}

// Fresh reports whether the access token is present and unexpired
func (s *Session) Fresh(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.AccessExpires)
}

// UsableForClient reports whether the ephemeral key can still be handed to
// a downstream client
func (s *Session) UsableForClient(now time.Time) bool {
	return s != nil && s.EphemeralKey != "" && now.Before(s.EphemeralExpires)
}

// NeedsRefresh reports whether the access token's remaining lifetime is
// under the refresh threshold, including when it is absent or already
// expired
func (s *Session) NeedsRefresh(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	return s.AccessExpires.Sub(now) < RefreshThreshold
}

// Clone returns a deep copy so readers never observe concurrent mutation
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		user := *s.User
		out.User = &user
	}
	return &out
}

// Metadata projects a session into its durable, storage-safe form.
// Token values are never included.
func (s *Session) Metadata(now time.Time) *Metadata {
	return &Metadata{
		AccessExpires:    s.AccessExpires,
		EphemeralExpires: s.EphemeralExpires,
		User:             s.User,
		SavedAt:          now,
	}
}

// Metadata is the non-sensitive snapshot of session state retained across
// restarts: expiries and profile, never credentials
type Metadata struct {
	AccessExpires    time.Time    `json:"access_expires,omitempty"`
	EphemeralExpires time.Time    `json:"ephemeral_expires,omitempty"`
	User             *UserProfile `json:"user,omitempty"`
	SavedAt          time.Time    `json:"saved_at"`
}

// Exchange is the transient per-flow PKCE state persisted across the
// authentication redirect. Consumed exactly once.
type Exchange struct {
	CodeVerifier string
	State        string
	ReturnURL    string
}

// SavedRequest describes one API call attempted while unauthenticated,
// preserved across the redirect so it can be resumed afterward
type SavedRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   string `json:"body,omitempty"`
}
