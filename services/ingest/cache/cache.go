// Package cache maps source fingerprints to the outcome of their most recent
// processing so repeat submissions skip the pipeline.
package cache

import (
	"context"
	"os"
	"sync"
	"time"
)

// Status is the processing state recorded for a fingerprint.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record is the cache entry for one fingerprint.
type Record struct {
	Fingerprint   string    `db:"fingerprint" json:"fingerprint"`
	SessionID     string    `db:"session_id" json:"session_id"`
	StructurePath string    `db:"structure_path" json:"structure_path,omitempty"`
	Status        Status    `db:"status" json:"status"`
	JobID         string    `db:"job_id" json:"job_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Store persists one record per fingerprint. Upsert replaces the whole record
// atomically; the last write wins.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
}

// Usable reports whether rec can satisfy a request without reprocessing:
// it completed and its structure file still exists.
func Usable(rec Record) bool {
	if rec.Status != StatusCompleted || rec.StructurePath == "" {
		return false
	}
	info, err := os.Stat(rec.StructurePath)
	return err == nil && info.Mode().IsRegular()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryStore) Lookup(_ context.Context, fingerprint string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[fingerprint]
	return rec, ok, nil
}

func (m *MemoryStore) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec.CreatedAt = now
	if prev, ok := m.records[rec.Fingerprint]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	rec.UpdatedAt = now
	m.records[rec.Fingerprint] = rec
	return nil
}
