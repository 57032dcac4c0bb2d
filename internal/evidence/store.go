package evidence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// SyncState tracks where an evidence record sits relative to the mirror.
type SyncState string

const (
	SyncStateUnsynced SyncState = "unsynced"
	SyncStateSyncing  SyncState = "syncing"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
)

// RunStatus is the terminal (or in-flight) status of a sync run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Direction and Action describe one reconciliation operation.
type (
	Direction string
	Action    string
	Outcome   string
)

const (
	DirectionToMirror   Direction = "to_mirror"
	DirectionFromMirror Direction = "from_mirror"

	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"

	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeConflict  Outcome = "conflict"
	OutcomeSkipped   Outcome = "skipped"
)

// EvidenceRecord is the vault's authoritative view of one file.
type EvidenceRecord struct {
	CaseID        string    `json:"caseId"`
	EvidenceID    string    `json:"evidenceId"`
	FileName      string    `json:"fileName"`
	CurrentHash   string    `json:"currentHash"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mimeType"`
	MirrorPath    string    `json:"mirrorPath,omitempty"`
	SyncState     SyncState `json:"syncState"`
	PendingDelete bool      `json:"pendingDelete,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SyncOperation records one per-file action inside a run, in execution order.
type SyncOperation struct {
	EvidenceID string    `json:"evidenceId"`
	Path       string    `json:"path"`
	Direction  Direction `json:"direction,omitempty"`
	Action     Action    `json:"action"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// SyncRun is the audit record of one reconciliation pass over a case.
type SyncRun struct {
	RunID      string          `json:"runId"`
	CaseID     string          `json:"caseId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Status     RunStatus       `json:"status"`
	Operations []SyncOperation `json:"operations"`
	Error      string          `json:"error,omitempty"`
}

// SessionStatus is the lifecycle state of an edit session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionSaved    SessionStatus = "saved"
	SessionExpired  SessionStatus = "expired"
	SessionConflict SessionStatus = "conflict"
	SessionAborted  SessionStatus = "aborted"
)

// EditSession tracks one user's exclusive edit of one evidence file.
type EditSession struct {
	SessionID  string        `json:"sessionId"`
	EvidenceID string        `json:"evidenceId"`
	CaseID     string        `json:"caseId"`
	OpenedBy   string        `json:"openedBy"`
	OpenedAt   time.Time     `json:"openedAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	BaseHash   string        `json:"baseHash"`
	Status     SessionStatus `json:"status"`
}

// VaultStore holds evidence metadata and sync-run history. Implementations
// must apply UpdateEvidence atomically against the expected version.
type VaultStore interface {
	GetEvidence(ctx context.Context, evidenceID string) (EvidenceRecord, error)
	ListEvidence(ctx context.Context, caseID string) ([]EvidenceRecord, error)
	PutEvidence(ctx context.Context, rec EvidenceRecord) error
	// UpdateEvidence writes rec only if the stored version equals
	// expectedVersion; otherwise it returns a *VersionConflictError.
	UpdateEvidence(ctx context.Context, rec EvidenceRecord, expectedVersion int64) error
	DeleteEvidence(ctx context.Context, evidenceID string) error
	SaveRun(ctx context.Context, run SyncRun) error
	GetRun(ctx context.Context, caseID, runID string) (SyncRun, error)
	ListRuns(ctx context.Context, caseID string) ([]SyncRun, error)
	ListCaseIDs(ctx context.Context) ([]string, error)
}

// MemoryVaultStore is the in-process VaultStore used by tests and the
// default dev profile.
type MemoryVaultStore struct {
	mu      sync.RWMutex
	records map[string]EvidenceRecord
	runs    map[string]SyncRun
}

func NewMemoryVaultStore() *MemoryVaultStore {
	return &MemoryVaultStore{
		records: make(map[string]EvidenceRecord),
		runs:    make(map[string]SyncRun),
	}
}

func (s *MemoryVaultStore) GetEvidence(_ context.Context, evidenceID string) (EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[evidenceID]
	if !ok {
		return EvidenceRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryVaultStore) ListEvidence(_ context.Context, caseID string) ([]EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EvidenceRecord, 0)
	for _, rec := range s.records {
		if rec.CaseID == caseID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvidenceID < out[j].EvidenceID })
	return out, nil
}

func (s *MemoryVaultStore) PutEvidence(_ context.Context, rec EvidenceRecord) error {
	if strings.TrimSpace(rec.EvidenceID) == "" {
		return invalidInput("evidence id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EvidenceID] = rec
	return nil
}

func (s *MemoryVaultStore) UpdateEvidence(_ context.Context, rec EvidenceRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.EvidenceID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return &VersionConflictError{
			EvidenceID:      rec.EvidenceID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}
	s.records[rec.EvidenceID] = rec
	return nil
}

func (s *MemoryVaultStore) DeleteEvidence(_ context.Context, evidenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[evidenceID]; !ok {
		return ErrNotFound
	}
	delete(s.records, evidenceID)
	return nil
}

func (s *MemoryVaultStore) SaveRun(_ context.Context, run SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryVaultStore) GetRun(_ context.Context, caseID, runID string) (SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || run.CaseID != caseID {
		return SyncRun{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryVaultStore) ListRuns(_ context.Context, caseID string) ([]SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncRun, 0)
	for _, run := range s.runs {
		if run.CaseID == caseID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryVaultStore) ListCaseIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rec := range s.records {
		seen[rec.CaseID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
