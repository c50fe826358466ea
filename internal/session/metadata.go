package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/tokenfront/internal/storage"
)

// DefaultSessionWindow is how long persisted metadata is trusted as
// "authenticated, pending silent refresh" after its last save
const DefaultSessionWindow = 30 * 24 * time.Hour

const metadataKey = "tokenfront/session-metadata"

// MetadataStore persists session metadata in durable storage. Load applies
// the logical session window and self-clears stale entries; callers treat
// persist failures as non-fatal.
type MetadataStore struct {
	kv     storage.KV
	window time.Duration
}

// NewMetadataStore wraps a durable KV. A zero window selects the default.
func NewMetadataStore(kv storage.KV, window time.Duration) *MetadataStore {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return &MetadataStore{kv: kv, window: window}
}

// Save writes the metadata snapshot
func (s *MetadataStore) Save(md *Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}
	if err := s.kv.Set(metadataKey, data); err != nil {
		return fmt.Errorf("persisting session metadata: %w", err)
	}
	return nil
}

// Load returns the stored metadata, or nil when absent, unparseable, or
// past the logical session window. Stale and corrupt entries are deleted
// as a side effect.
func (s *MetadataStore) Load(now time.Time) (*Metadata, error) {
	data, err := s.kv.Get(metadataKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading session metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		_ = s.kv.Delete(metadataKey)
		return nil, nil
	}

	if md.SavedAt.IsZero() || now.Sub(md.SavedAt) > s.window {
		_ = s.kv.Delete(metadataKey)
		return nil, nil
	}

	return &md, nil
}

// Clear removes the stored metadata
func (s *MetadataStore) Clear() error {
	return s.kv.Delete(metadataKey)
}
