package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Persistence keys, one per component.
const (
	KeyMonitorEvents  = "monitor.events"
	KeyThreatState    = "threat.state"
	KeyIncidentState  = "incident.state"
	KeyAlertingState  = "alerting.state"
	KeyForensicsState = "forensics.state"
	KeyMetricsState   = "metrics.state"
)

// SchemaVersion is the envelope version written by this build.
const SchemaVersion = 1

// Store is the persistence port every component saves its snapshot through.
// Load returns ErrNotFound (wrapped) when the key has never been saved.
type Store interface {
	Load(ctx context.Context, key string, v interface{}) error
	Save(ctx context.Context, key string, v interface{}) error
}

// Envelope wraps every persisted document.
type Envelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Migration upgrades the raw data of one key from version From to From+1.
type Migration struct {
	Key     string
	From    int
	Migrate func(data json.RawMessage) (json.RawMessage, error)
}

var (
	migrationsMu sync.RWMutex
	migrations   = make(map[string][]Migration)
)

// RegisterMigration adds a schema migration for a key.
func RegisterMigration(m Migration) {
	migrationsMu.Lock()
	defer migrationsMu.Unlock()
	list := append(migrations[m.Key], m)
	sort.Slice(list, func(i, j int) bool { return list[i].From < list[j].From })
	migrations[m.Key] = list
}

// encodeEnvelope serializes v inside a versioned envelope.
func encodeEnvelope(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding data: %w", err)
	}
	return json.Marshal(Envelope{
		Version: SchemaVersion,
		SavedAt: time.Now().UTC(),
		Data:    data,
	})
}

// decodeEnvelope reads an envelope, applies pending migrations and decodes into v.
func decodeEnvelope(key string, raw []byte, v interface{}) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Version > SchemaVersion {
		return fmt.Errorf("envelope version %d is newer than supported %d", env.Version, SchemaVersion)
	}

	data := env.Data
	migrationsMu.RLock()
	chain := migrations[key]
	migrationsMu.RUnlock()
	for _, m := range chain {
		if m.From < env.Version || m.From >= SchemaVersion {
			continue
		}
		next, err := m.Migrate(data)
		if err != nil {
			return fmt.Errorf("migrating %s from v%d: %w", key, m.From, err)
		}
		data = next
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store. It still round-trips through the
// envelope encoding so tests see the same serialization as production.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string, v interface{}) error {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return &StorageError{Op: "load", Key: key, Err: ErrNotFound}
	}
	if err := decodeEnvelope(key, raw, v); err != nil {
		return &StorageError{Op: "load", Key: key, Err: err}
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, key string, v interface{}) error {
	raw, err := encodeEnvelope(v)
	if err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

// Raw returns the stored bytes for a key. Used by tests that tamper with state.
func (s *MemoryStore) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	return raw, ok
}

// Keys lists stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadInto loads key into v and treats a missing key as an empty store.
// It reports whether anything was loaded.
func LoadInto(ctx context.Context, store Store, key string, v interface{}) (bool, error) {
	if store == nil {
		return false, nil
	}
	if err := store.Load(ctx, key, v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
