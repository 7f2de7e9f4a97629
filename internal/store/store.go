// Package store shares computed forecast and advisory responses between
// server replicas. Writes are first-write-wins so concurrent replicas that
// computed the same run converge on one stored answer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one stored response.
type Record struct {
	Key          string          `json:"key"`
	Kind         string          `json:"kind"` // "forecast" or "advisory"
	ModelVersion string          `json:"model_version"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store provides idempotent storage of computed runs.
type Store interface {
	// Get retrieves a record by key. Returns nil if not found or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Put stores rec with ttl unless a live record already holds the key.
	// It reports whether rec was the stored write.
	Put(ctx context.Context, rec *Record, ttl time.Duration) (bool, error)

	// Close releases resources
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.SnapshotPath), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Config selects and configures a backend.
type Config struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SnapshotPath  string        `yaml:"snapshot_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	PostgresURL   string        `yaml:"postgres_url"`
}

// MemoryStore is an in-process store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*entry
	snapshot string // optional file path for persistence
	now      func() time.Time
}

type entry struct {
	Record    *Record   `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewMemoryStore creates a memory store, loading snapshotPath when it exists.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		records:  make(map[string]*entry),
		snapshot: snapshotPath,
		now:      time.Now,
	}
	if snapshotPath != "" {
		// A corrupt snapshot starts the store empty.
		_ = ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.records[key]
	if !ok || !m.now().Before(e.ExpiresAt) {
		return nil, nil
	}
	return e.Record, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins
	if e, exists := m.records[rec.Key]; exists && m.now().Before(e.ExpiresAt) {
		return false, nil
	}
	m.records[rec.Key] = &entry{Record: rec, ExpiresAt: m.now().Add(ttl)}
	return true, nil
}

// Close writes the snapshot if one is configured.
func (m *MemoryStore) Close() error {
	if m.snapshot == "" {
		return nil
	}
	return m.saveSnapshot()
}

// Len returns the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	now := m.now()
	for _, e := range m.records {
		if now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, v := range snapshot {
		if v != nil && v.Record != nil && now.Before(v.ExpiresAt) {
			m.records[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	now := m.now()
	live := make(map[string]*entry, len(m.records))
	for k, v := range m.records {
		if now.Before(v.ExpiresAt) {
			live[k] = v
		}
	}
	m.mu.RUnlock()

	data, err := json.Marshal(live)
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
