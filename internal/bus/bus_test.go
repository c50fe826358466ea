package bus

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/tokenfront/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records received messages for assertions
type collector struct {
	mu       sync.Mutex
	messages []Message
}

func (c *collector) handle(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *collector) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestMemoryBusDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var self, other collector
	b.Subscribe("mgr-1", self.handle)
	b.Subscribe("mgr-2", other.handle)

	require.NoError(t, b.Publish("mgr-1", Logout{}))
	require.NoError(t, b.Publish("mgr-1", SessionUpdated{
		Session: &session.Session{AccessToken: "AT1"},
		SavedAt: time.Now(),
	}))

	assert.Eventually(t, func() bool {
		return len(other.received()) == 2
	}, time.Second, 10*time.Millisecond)

	// Publish order is preserved and self-delivery filtered
	msgs := other.received()
	assert.IsType(t, Logout{}, msgs[0])
	updated, ok := msgs[1].(SessionUpdated)
	require.True(t, ok)
	assert.Equal(t, "AT1", updated.Session.AccessToken)
	assert.Empty(t, self.received())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var c collector
	cancel := b.Subscribe("mgr-2", c.handle)
	cancel()

	require.NoError(t, b.Publish("mgr-1", Logout{}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.received())
}

func TestMemoryBusBackloggedPublishReleasesLock(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	release := make(chan struct{})
	var c collector
	b.Subscribe("receiver", func(msg Message) {
		<-release
		c.handle(msg)
	})

	// Saturate the queue well past its buffer while delivery is stalled
	const total = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if err := b.Publish("sender", Logout{}); err != nil {
				return
			}
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// Subscribe shares the bus mutex with dispatch; it has to get through
	// even while the publisher is parked on a full queue
	subscribed := make(chan struct{})
	go func() {
		cancel := b.Subscribe("observer", func(Message) {})
		cancel()
		close(subscribed)
	}()
	select {
	case <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("bus mutex held while the publish queue was full")
	}

	close(release)
	<-done
	assert.Eventually(t, func() bool {
		return len(c.received()) == total
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish("mgr-1", Logout{}), ErrBusClosed)
	// Closing twice is fine
	assert.NoError(t, b.Close())
}

func TestFileBusCrossInstanceDelivery(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "bus", "events.jsonl")

	// Two buses over the same spool model two processes
	b1, err := NewFileBus(spool)
	require.NoError(t, err)
	defer b1.Close()

	b2, err := NewFileBus(spool)
	require.NoError(t, err)
	defer b2.Close()

	var c collector
	b2.Subscribe("mgr-2", c.handle)

	require.NoError(t, b1.Publish("mgr-1", RotationDetected{
		Cookies:   []string{"server_session"},
		Timestamp: time.Now(),
	}))

	require.Eventually(t, func() bool {
		return len(c.received()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	rotated, ok := c.received()[0].(RotationDetected)
	require.True(t, ok)
	assert.Equal(t, []string{"server_session"}, rotated.Cookies)
}

func TestFileBusFiltersOwnSender(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "events.jsonl")

	b, err := NewFileBus(spool)
	require.NoError(t, err)
	defer b.Close()

	var self, other collector
	b.Subscribe("mgr-1", self.handle)
	b.Subscribe("mgr-2", other.handle)

	require.NoError(t, b.Publish("mgr-1", RecoveryNeeded{Reason: "refresh_failed", Timestamp: time.Now()}))

	require.Eventually(t, func() bool {
		return len(other.received()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, self.received())

	needed, ok := other.received()[0].(RecoveryNeeded)
	require.True(t, ok)
	assert.Equal(t, "refresh_failed", needed.Reason)
}

func TestFileBusSkipsHistory(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "events.jsonl")

	b1, err := NewFileBus(spool)
	require.NoError(t, err)
	require.NoError(t, b1.Publish("mgr-1", Logout{}))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b1.Close())

	// A bus opened later must not replay old messages
	b2, err := NewFileBus(spool)
	require.NoError(t, err)
	defer b2.Close()

	var c collector
	b2.Subscribe("mgr-2", c.handle)
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, c.received())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	raw, err := encodeMessage("mgr-1", SessionUpdated{
		Session: &session.Session{AccessToken: "AT1", User: &session.UserProfile{Email: "a@example.com"}},
		SavedAt: now,
	}, now)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeSessionUpdated, env.Type)
	assert.Equal(t, "mgr-1", env.Sender)

	msg, err := decodeMessage(env)
	require.NoError(t, err)
	updated, ok := msg.(SessionUpdated)
	require.True(t, ok)
	assert.Equal(t, "AT1", updated.Session.AccessToken)
	assert.Equal(t, "a@example.com", updated.Session.User.Email)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := decodeMessage(envelope{Type: "mystery"})
	assert.Error(t, err)
}
