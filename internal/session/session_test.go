package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionFreshness(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	assert.False(t, nilSession.Fresh(now))
	assert.False(t, nilSession.UsableForClient(now))
	assert.True(t, nilSession.NeedsRefresh(now))

	s := &Session{
		AccessToken:      "AT1",
		AccessExpires:    now.Add(time.Hour),
		EphemeralKey:     "EK1",
		EphemeralExpires: now.Add(5 * time.Minute),
	}
	assert.True(t, s.Fresh(now))
	assert.True(t, s.UsableForClient(now))
	assert.False(t, s.NeedsRefresh(now))

	// The two freshness windows are independent
	s.EphemeralExpires = now.Add(-time.Second)
	assert.True(t, s.Fresh(now))
	assert.False(t, s.UsableForClient(now))

	// Under the 5-minute threshold counts as needing refresh, as does expired
	s.AccessExpires = now.Add(4 * time.Minute)
	assert.True(t, s.NeedsRefresh(now))
	s.AccessExpires = now.Add(-time.Minute)
	assert.True(t, s.NeedsRefresh(now))
	assert.False(t, s.Fresh(now))

	// Token absence always needs refresh
	assert.True(t, (&Session{}).NeedsRefresh(now))
}

func TestSessionClone(t *testing.T) {
	s := &Session{
		AccessToken: "AT1",
		User:        &UserProfile{Email: "a@example.com"},
	}
	c := s.Clone()
	c.AccessToken = "AT2"
	c.User.Email = "b@example.com"

	assert.Equal(t, "AT1", s.AccessToken)
	assert.Equal(t, "a@example.com", s.User.Email)
}

func TestUserProfileMerge(t *testing.T) {
	existing := &UserProfile{ID: "u1", Email: "a@example.com", Name: "Alice"}

	merged := existing.Merge(&UserProfile{Email: "new@example.com"})
	assert.Equal(t, "u1", merged.ID)
	assert.Equal(t, "new@example.com", merged.Email)
	assert.Equal(t, "Alice", merged.Name)

	// Incoming empty fields never erase existing values
	merged = existing.Merge(&UserProfile{})
	assert.Equal(t, *existing, *merged)

	var none *UserProfile
	assert.Nil(t, none.Merge(nil))
	merged = none.Merge(&UserProfile{ID: "u2"})
	assert.Equal(t, "u2", merged.ID)
}

func TestMetadataProjectionExcludesTokens(t *testing.T) {
	now := time.Now()
	s := &Session{
		AccessToken:      "AT1",
		AccessExpires:    now.Add(time.Hour),
		EphemeralKey:     "EK1",
		EphemeralExpires: now.Add(5 * time.Minute),
		User:             &UserProfile{Email: "a@example.com"},
	}

	md := s.Metadata(now)
	assert.Equal(t, s.AccessExpires, md.AccessExpires)
	assert.Equal(t, s.EphemeralExpires, md.EphemeralExpires)
	assert.Equal(t, s.User, md.User)
	assert.Equal(t, now, md.SavedAt)
}
