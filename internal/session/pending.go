package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/tokenfront/internal/storage"
)

// PendingRequestVersion is the schema tag of the saved-request envelope.
// An envelope with a different version is treated as absent.
const PendingRequestVersion = 1

// DefaultPendingRequestTTL bounds how long a saved request may be resumed
// after the redirect that interrupted it
const DefaultPendingRequestTTL = 10 * time.Minute

const pendingRequestKey = "tokenfront/pending-request"

// pendingEnvelope wraps a saved request with versioning and absolute expiry
type pendingEnvelope struct {
	Version   int          `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	ExpiresAt time.Time    `json:"expires_at"`
	Request   SavedRequest `json:"request"`
}

// PendingRequestStore persists a single in-flight request description in
// scratch storage so it can survive one authentication round trip
type PendingRequestStore struct {
	kv  storage.KV
	ttl time.Duration
}

// NewPendingRequestStore wraps a scratch KV. A zero ttl selects the default.
func NewPendingRequestStore(kv storage.KV, ttl time.Duration) *PendingRequestStore {
	if ttl <= 0 {
		ttl = DefaultPendingRequestTTL
	}
	return &PendingRequestStore{kv: kv, ttl: ttl}
}

// Save writes the request, replacing any previous one
func (s *PendingRequestStore) Save(req SavedRequest, now time.Time) error {
	data, err := json.Marshal(pendingEnvelope{
		Version:   PendingRequestVersion,
		Timestamp: now,
		ExpiresAt: now.Add(s.ttl),
		Request:   req,
	})
	if err != nil {
		return fmt.Errorf("marshaling pending request: %w", err)
	}
	if err := s.kv.Set(pendingRequestKey, data); err != nil {
		return fmt.Errorf("persisting pending request: %w", err)
	}
	return nil
}

// Take loads and deletes the saved request. Returns nil when absent; an
// envelope with a mismatched version or a past expiry is deleted and
// reported absent.
func (s *PendingRequestStore) Take(now time.Time) (*SavedRequest, error) {
	data, err := s.kv.Get(pendingRequestKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading pending request: %w", err)
	}

	if err := s.kv.Delete(pendingRequestKey); err != nil {
		return nil, fmt.Errorf("clearing pending request: %w", err)
	}

	var env pendingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil
	}
	if env.Version != PendingRequestVersion || now.After(env.ExpiresAt) {
		return nil, nil
	}

	req := env.Request
	return &req, nil
}

// Clear removes any saved request
func (s *PendingRequestStore) Clear() error {
	return s.kv.Delete(pendingRequestKey)
}
