package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// LedgerEntry is one row of an evidence item's version trail.
type LedgerEntry struct {
	EvidenceID  string    `json:"evidenceId"`
	Fingerprint string    `json:"fingerprint"`
	Version     int64     `json:"version"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// LedgerStore persists the append-only version history.
type LedgerStore interface {
	Append(ctx context.Context, entry LedgerEntry) error
	Latest(ctx context.Context, evidenceID string) (LedgerEntry, error)
	History(ctx context.Context, evidenceID string) ([]LedgerEntry, error)
}

// Ledger computes content fingerprints and records version history.
type Ledger struct {
	store LedgerStore
	now   func() time.Time
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Compute returns the SHA-256 fingerprint of content as lowercase hex.
// Identical bytes always produce identical fingerprints.
func (l *Ledger) Compute(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Record appends a fingerprint/version pair to the evidence item's trail.
func (l *Ledger) Record(ctx context.Context, evidenceID, fingerprint string, version int64) error {
	if evidenceID == "" || fingerprint == "" {
		return invalidInput("ledger entry requires evidence id and fingerprint")
	}
	return l.store.Append(ctx, LedgerEntry{
		EvidenceID:  evidenceID,
		Fingerprint: fingerprint,
		Version:     version,
		RecordedAt:  l.now().UTC(),
	})
}

// Verify reports whether the latest recorded fingerprint matches expected.
// A mismatch is a normal false result, not an error.
func (l *Ledger) Verify(ctx context.Context, evidenceID, expected string) (bool, error) {
	latest, err := l.store.Latest(ctx, evidenceID)
	if err != nil {
		return false, err
	}
	return latest.Fingerprint == expected, nil
}

// History returns the full recorded trail in version order.
func (l *Ledger) History(ctx context.Context, evidenceID string) ([]LedgerEntry, error) {
	return l.store.History(ctx, evidenceID)
}

// MemoryLedgerStore keeps the version trail in process memory.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries map[string][]LedgerEntry
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{entries: make(map[string][]LedgerEntry)}
}

func (s *MemoryLedgerStore) Append(_ context.Context, entry LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.EvidenceID] = append(s.entries[entry.EvidenceID], entry)
	return nil
}

func (s *MemoryLedgerStore) Latest(_ context.Context, evidenceID string) (LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.entries[evidenceID]
	if len(trail) == 0 {
		return LedgerEntry{}, ErrNotFound
	}
	return trail[len(trail)-1], nil
}

func (s *MemoryLedgerStore) History(_ context.Context, evidenceID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.entries[evidenceID]
	if len(trail) == 0 {
		return nil, ErrNotFound
	}
	out := make([]LedgerEntry, len(trail))
	copy(out, trail)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
