package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/tokenfront/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"
)

func TestKeyDeterminism(t *testing.T) {
	k1 := Key("https://auth.example.com", "client-1")
	k2 := Key("https://auth.example.com/", "client-1")
	k3 := Key("HTTPS://AUTH.EXAMPLE.COM", "client-1")
	k4 := Key("https://auth.example.com", "client-2")

	// Normalization: trailing slash and case don't change identity
	assert.Equal(t, k1, k2)
	assert.Equal(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestLookupOrRegisterSingleton(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")

	constructions := 0
	construct := func() (any, error) {
		constructions++
		return &struct{ name string }{"instance"}, nil
	}

	first, created, err := r.LookupOrRegister(key, "id-1", construct)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.LookupOrRegister(key, "id-2", construct)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, constructions)

	// A different key constructs a distinct instance
	otherKey := Key("https://auth.example.com", "client-2")
	third, created, err := r.LookupOrRegister(otherKey, "id-3", construct)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first, third)
}

func TestLookupOrRegisterConstructError(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")

	wantErr := errors.New("boom")
	_, _, err := r.LookupOrRegister(key, "id-1", func() (any, error) { return nil, wantErr })
	assert.ErrorIs(t, err, wantErr)

	// A failed construction leaves nothing registered
	_, created, err := r.LookupOrRegister(key, "id-2", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeregisterDropsSharedState(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")

	_, _, err := r.LookupOrRegister(key, "id-1", func() (any, error) { return "m", nil })
	require.NoError(t, err)
	r.SetGlobalSession(key, &session.Session{AccessToken: "AT1"}, time.Now())

	r.Deregister(key, "id-1")

	_, _, ok := r.GlobalSession(key)
	assert.False(t, ok)
}

func TestGlobalSessionLastWriterWins(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")
	now := time.Now()

	assert.True(t, r.SetGlobalSession(key, &session.Session{AccessToken: "AT1"}, now))

	// A stale write from a slow refresh is rejected
	assert.False(t, r.SetGlobalSession(key, &session.Session{AccessToken: "OLD"}, now.Add(-time.Minute)))

	s, savedAt, ok := r.GlobalSession(key)
	require.True(t, ok)
	assert.Equal(t, "AT1", s.AccessToken)
	assert.Equal(t, now, savedAt)

	assert.True(t, r.SetGlobalSession(key, &session.Session{AccessToken: "AT2"}, now.Add(time.Minute)))
	s, _, _ = r.GlobalSession(key)
	assert.Equal(t, "AT2", s.AccessToken)
}

func TestGlobalSessionReturnsCopy(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")
	r.SetGlobalSession(key, &session.Session{AccessToken: "AT1"}, time.Now())

	s, _, ok := r.GlobalSession(key)
	require.True(t, ok)
	s.AccessToken = "mutated"

	again, _, _ := r.GlobalSession(key)
	assert.Equal(t, "AT1", again.AccessToken)
}

func TestRefreshDeduplicatesConcurrentCallers(t *testing.T) {
	r := New()
	key := Key("https://auth.example.com", "client-1")

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})

	fn := func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "refreshed", nil
	}

	const waiters = 5
	channels := make([]<-chan singleflight.Result, waiters)
	for i := range channels {
		channels[i] = r.Refresh(key, fn)
	}

	// Let the single in-flight call be observed, then finish it
	assert.Eventually(t, func() bool { return r.RefreshInFlight(key) }, time.Second, 5*time.Millisecond)
	close(release)

	for _, ch := range channels {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, "refreshed", res.Val)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.False(t, r.RefreshInFlight(key))
	assert.False(t, r.LastRefreshTime(key).IsZero())
}
