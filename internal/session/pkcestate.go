package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/tokenfront/internal/storage"
)

// FlowExpiry is how long a persisted PKCE exchange remains valid. A flow
// older than this is treated as abandoned.
const FlowExpiry = 10 * time.Minute

const (
	pkceVerifierKey  = "tokenfront/pkce/verifier"
	pkceStateKey     = "tokenfront/pkce/state"
	pkceReturnURLKey = "tokenfront/pkce/return-url"
)

// pkceEntry wraps one PKCE value with its creation time so expiry can be
// enforced on load
type pkceEntry struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// PKCEStateStore persists the per-flow PKCE exchange across the redirect in
// scratch storage: three namespaced keys for verifier, state, and return
// URL. The exchange is consumed exactly once via Take.
type PKCEStateStore struct {
	kv storage.KV
}

// NewPKCEStateStore wraps a scratch KV
func NewPKCEStateStore(kv storage.KV) *PKCEStateStore {
	return &PKCEStateStore{kv: kv}
}

// Save persists a new exchange, replacing any stale one
func (s *PKCEStateStore) Save(ex *Exchange, now time.Time) error {
	entries := map[string]string{
		pkceVerifierKey:  ex.CodeVerifier,
		pkceStateKey:     ex.State,
		pkceReturnURLKey: ex.ReturnURL,
	}
	for key, value := range entries {
		data, err := json.Marshal(pkceEntry{Value: value, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("marshaling pkce state: %w", err)
		}
		if err := s.kv.Set(key, data); err != nil {
			return fmt.Errorf("persisting pkce state: %w", err)
		}
	}
	return nil
}

// Take loads and deletes the stored exchange in one step. Returns nil when
// no exchange is stored or the flow has expired; the keys are cleared either
// way, so the same flow can never be read twice.
func (s *PKCEStateStore) Take(now time.Time) (*Exchange, error) {
	verifier, err := s.load(pkceVerifierKey)
	if err != nil {
		return nil, err
	}
	state, err := s.load(pkceStateKey)
	if err != nil {
		return nil, err
	}
	returnURL, _ := s.load(pkceReturnURLKey)

	if err := s.Clear(); err != nil {
		return nil, err
	}

	if verifier == nil || state == nil {
		return nil, nil
	}
	if now.Sub(verifier.CreatedAt) > FlowExpiry {
		return nil, nil
	}

	ex := &Exchange{
		CodeVerifier: verifier.Value,
		State:        state.Value,
	}
	if returnURL != nil {
		ex.ReturnURL = returnURL.Value
	}
	return ex, nil
}

// Clear removes all PKCE keys
func (s *PKCEStateStore) Clear() error {
	var firstErr error
	for _, key := range []string{pkceVerifierKey, pkceStateKey, pkceReturnURLKey} {
		if err := s.kv.Delete(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clearing pkce state: %w", err)
		}
	}
	return firstErr
}

func (s *PKCEStateStore) load(key string) (*pkceEntry, error) {
	data, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading pkce state: %w", err)
	}
	var entry pkceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}
