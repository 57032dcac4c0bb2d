package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// EventPublisher fans events out to case subscribers. The hub implements
// it; tests use a recording fake.
type EventPublisher interface {
	Publish(caseID, eventType string, payload map[string]any)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, map[string]any) {}

// EngineOptions configures a reconciliation Engine. Zero values fall back
// to sane defaults.
type EngineOptions struct {
	Vault  VaultStore
	Ledger *Ledger
	Mirror MirrorAdapter
	Blobs  BlobStore
	Events EventPublisher
	Logger *slog.Logger
	// SkewTolerance is the window inside which vault and mirror timestamps
	// are treated as concurrent and the item is flagged as a conflict.
	SkewTolerance time.Duration
	Now           func() time.Time
}

// Engine performs one reconciliation pass over a case at a time, recording
// every decision as an ordered SyncOperation.
type Engine struct {
	vault  VaultStore
	ledger *Ledger
	mirror MirrorAdapter
	blobs  BlobStore
	events EventPublisher
	logger *slog.Logger
	skew   time.Duration
	now    func() time.Time
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Events == nil {
		opts.Events = NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SkewTolerance <= 0 {
		opts.SkewTolerance = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		vault:  opts.Vault,
		ledger: opts.Ledger,
		mirror: opts.Mirror,
		blobs:  opts.Blobs,
		events: opts.Events,
		logger: opts.Logger,
		skew:   opts.SkewTolerance,
		now:    opts.Now,
	}
}

type plannedOp struct {
	record    *EvidenceRecord
	entry     *MirrorEntry
	path      string
	action    Action
	direction Direction
}

// RunSync reconciles one case. It assumes the caller already holds the
// case's single-flight lock. The returned run is also persisted.
func (e *Engine) RunSync(ctx context.Context, caseID, runID string) (SyncRun, error) {
	run := SyncRun{
		RunID:     runID,
		CaseID:    caseID,
		StartedAt: e.now().UTC(),
		Status:    RunStatusRunning,
	}
	if err := e.vault.SaveRun(ctx, run); err != nil {
		return run, err
	}

	records, err := e.vault.ListEvidence(ctx, caseID)
	if err != nil {
		return e.finalize(ctx, run, RunStatusFailed, fmt.Sprintf("list vault: %v", err))
	}
	entries, err := e.mirror.List(ctx, caseID)
	if err != nil {
		return e.finalize(ctx, run, RunStatusFailed, fmt.Sprintf("list mirror: %v", err))
	}

	plan := e.plan(caseID, records, entries)

	failed := false
	for _, op := range plan {
		select {
		case <-ctx.Done():
			return e.finalize(context.Background(), run, RunStatusFailed, ErrCancelled.Error())
		default:
		}
		result := e.execute(ctx, caseID, op)
		run.Operations = append(run.Operations, result)
		if result.Outcome == OutcomeFailed {
			failed = true
			e.logger.Warn("sync op failed",
				"caseId", caseID, "runId", runID,
				"path", result.Path, "action", string(result.Action), "error", result.Error)
		}
	}

	status := RunStatusSucceeded
	if failed {
		status = RunStatusPartial
	}
	return e.finalize(ctx, run, status, "")
}

func (e *Engine) finalize(ctx context.Context, run SyncRun, status RunStatus, errMsg string) (SyncRun, error) {
	run.Status = status
	run.FinishedAt = e.now().UTC()
	run.Error = errMsg
	if err := e.vault.SaveRun(ctx, run); err != nil {
		e.logger.Error("save run", "runId", run.RunID, "error", err)
	}
	summary := map[string]int{}
	for _, op := range run.Operations {
		summary[string(op.Outcome)]++
	}
	e.events.Publish(run.CaseID, "sync_completed", map[string]any{
		"caseId":  run.CaseID,
		"runId":   run.RunID,
		"status":  string(status),
		"summary": summary,
	})
	if status == RunStatusFailed && errMsg != "" {
		return run, fmt.Errorf("sync run %s failed: %s", run.RunID, errMsg)
	}
	return run, nil
}

// plan matches vault records and mirror entries by mirror path and orders
// the resulting operations: creates and updates first, deletes last.
func (e *Engine) plan(caseID string, records []EvidenceRecord, entries []MirrorEntry) []plannedOp {
	byPath := make(map[string]*MirrorEntry, len(entries))
	for i := range entries {
		byPath[entries[i].Path] = &entries[i]
	}

	var ops, deletes []plannedOp
	claimed := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		remotePath := rec.MirrorPath
		if remotePath == "" {
			remotePath = mirrorObjectPath(caseID, rec.FileName)
		}
		entry := byPath[remotePath]
		if entry != nil {
			claimed[remotePath] = true
		}

		switch {
		case rec.PendingDelete:
			deletes = append(deletes, plannedOp{record: rec, entry: entry, path: remotePath, action: ActionDelete, direction: DirectionToMirror})
		case entry == nil:
			ops = append(ops, plannedOp{record: rec, path: remotePath, action: ActionCreate, direction: DirectionToMirror})
		default:
			ops = append(ops, e.planBoth(rec, entry))
		}
	}
	for i := range entries {
		entry := &entries[i]
		if claimed[entry.Path] {
			continue
		}
		ops = append(ops, plannedOp{entry: entry, path: entry.Path, action: ActionCreate, direction: DirectionFromMirror})
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].path < ops[j].path })
	sort.SliceStable(deletes, func(i, j int) bool { return deletes[i].path < deletes[j].path })
	return append(ops, deletes...)
}

// planBoth decides the action for an item present on both sides. The hash
// comparison happens at execution time; here only the direction is chosen
// from the timestamps.
func (e *Engine) planBoth(rec *EvidenceRecord, entry *MirrorEntry) plannedOp {
	op := plannedOp{record: rec, entry: entry, path: entry.Path, action: ActionUpdate}
	delta := rec.UpdatedAt.Sub(entry.ModifiedAt)
	switch {
	case delta > e.skew:
		op.direction = DirectionToMirror
	case delta < -e.skew:
		op.direction = DirectionFromMirror
	default:
		// Concurrent edits inside the tolerance window. Resolved at
		// execution time: equal hashes skip, differing hashes conflict.
		op.direction = ""
	}
	return op
}

func (e *Engine) execute(ctx context.Context, caseID string, op plannedOp) SyncOperation {
	result := SyncOperation{
		Path:      op.path,
		Direction: op.direction,
		Action:    op.action,
	}
	if op.record != nil {
		result.EvidenceID = op.record.EvidenceID
	}

	var err error
	switch {
	case op.action == ActionDelete:
		err = e.applyDelete(ctx, op)
	case op.action == ActionCreate && op.direction == DirectionToMirror:
		err = e.withRetry(ctx, op.record.EvidenceID, func(rec EvidenceRecord) error {
			return e.pushToMirror(ctx, caseID, rec)
		})
	case op.action == ActionCreate && op.direction == DirectionFromMirror:
		result.EvidenceID, err = e.adoptFromMirror(ctx, caseID, *op.entry)
	default:
		result, err = e.executeBoth(ctx, caseID, op, result)
	}

	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = classifyError(err)
		return result
	}
	if result.Outcome == "" {
		result.Outcome = OutcomeSucceeded
	}
	return result
}

// executeBoth handles items present on both sides: skip on equal hashes,
// push or pull per direction, conflict when direction is ambiguous.
func (e *Engine) executeBoth(ctx context.Context, caseID string, op plannedOp, result SyncOperation) (SyncOperation, error) {
	mirrorHash, err := e.mirrorFingerprint(ctx, *op.entry)
	if err != nil {
		return result, err
	}
	if mirrorHash == op.record.CurrentHash {
		result.Action = ActionSkip
		result.Direction = ""
		result.Outcome = OutcomeSkipped
		if op.record.SyncState != SyncStateSynced {
			err = e.withRetry(ctx, op.record.EvidenceID, func(rec EvidenceRecord) error {
				rec.SyncState = SyncStateSynced
				rec.MirrorPath = op.path
				return e.vault.UpdateEvidence(ctx, rec, rec.Version)
			})
		}
		return result, err
	}

	switch op.direction {
	case DirectionToMirror:
		err = e.withRetry(ctx, op.record.EvidenceID, func(rec EvidenceRecord) error {
			return e.pushToMirror(ctx, caseID, rec)
		})
	case DirectionFromMirror:
		err = e.withRetry(ctx, op.record.EvidenceID, func(rec EvidenceRecord) error {
			return e.pullFromMirror(ctx, rec, *op.entry)
		})
	default:
		result.Outcome = OutcomeConflict
		result.Direction = ""
		err = e.withRetry(ctx, op.record.EvidenceID, func(rec EvidenceRecord) error {
			rec.SyncState = SyncStateConflict
			return e.vault.UpdateEvidence(ctx, rec, rec.Version)
		})
	}
	return result, err
}

// withRetry runs fn against the freshest copy of the record and, on a
// version conflict, re-reads and retries exactly once.
func (e *Engine) withRetry(ctx context.Context, evidenceID string, fn func(rec EvidenceRecord) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := e.vault.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		err = fn(rec)
		var conflict *VersionConflictError
		if errors.As(err, &conflict) && attempt == 0 {
			continue
		}
		return err
	}
	return nil
}

func (e *Engine) pushToMirror(ctx context.Context, caseID string, rec EvidenceRecord) error {
	content, err := e.blobs.Get(ctx, BlobKey(rec.EvidenceID, rec.Version))
	if err != nil {
		return err
	}
	rec.SyncState = SyncStateSyncing
	if err := e.vault.UpdateEvidence(ctx, rec, rec.Version); err != nil {
		return err
	}
	ref, err := e.mirror.Upload(ctx, caseID, rec.FileName, content)
	if err != nil {
		rec.SyncState = SyncStateUnsynced
		_ = e.vault.UpdateEvidence(ctx, rec, rec.Version)
		return err
	}
	rec.MirrorPath = ref
	rec.SyncState = SyncStateSynced
	return e.vault.UpdateEvidence(ctx, rec, rec.Version)
}

func (e *Engine) pullFromMirror(ctx context.Context, rec EvidenceRecord, entry MirrorEntry) error {
	content, err := e.mirror.Download(ctx, entry.Path)
	if err != nil {
		return err
	}
	fingerprint := e.ledger.Compute(content)
	if fingerprint == rec.CurrentHash {
		rec.SyncState = SyncStateSynced
		rec.MirrorPath = entry.Path
		return e.vault.UpdateEvidence(ctx, rec, rec.Version)
	}
	previousVersion := rec.Version
	rec.CurrentHash = fingerprint
	rec.Size = int64(len(content))
	rec.Version = previousVersion + 1
	rec.UpdatedAt = entry.ModifiedAt.UTC()
	rec.MirrorPath = entry.Path
	rec.SyncState = SyncStateSynced
	if err := e.blobs.Put(ctx, BlobKey(rec.EvidenceID, rec.Version), content); err != nil {
		return err
	}
	if err := e.vault.UpdateEvidence(ctx, rec, previousVersion); err != nil {
		return err
	}
	return e.ledger.Record(ctx, rec.EvidenceID, fingerprint, rec.Version)
}

// adoptFromMirror registers a mirror-only file as new evidence. The new
// record starts life already synced.
func (e *Engine) adoptFromMirror(ctx context.Context, caseID string, entry MirrorEntry) (string, error) {
	content, err := e.mirror.Download(ctx, entry.Path)
	if err != nil {
		return "", err
	}
	fingerprint := e.ledger.Compute(content)
	rec := EvidenceRecord{
		CaseID:      caseID,
		EvidenceID:  newID(),
		FileName:    baseName(entry.Path),
		CurrentHash: fingerprint,
		Size:        int64(len(content)),
		MimeType:    "application/octet-stream",
		MirrorPath:  entry.Path,
		SyncState:   SyncStateSynced,
		Version:     1,
		UpdatedAt:   entry.ModifiedAt.UTC(),
	}
	if err := e.blobs.Put(ctx, BlobKey(rec.EvidenceID, rec.Version), content); err != nil {
		return "", err
	}
	if err := e.vault.PutEvidence(ctx, rec); err != nil {
		return "", err
	}
	if err := e.ledger.Record(ctx, rec.EvidenceID, fingerprint, rec.Version); err != nil {
		return rec.EvidenceID, err
	}
	return rec.EvidenceID, nil
}

// applyDelete removes the mirror object first, then drops the record.
// Mirror deletes are idempotent, so a retry after a partial failure
// converges.
func (e *Engine) applyDelete(ctx context.Context, op plannedOp) error {
	if op.record.MirrorPath != "" {
		if err := e.mirror.Delete(ctx, op.record.MirrorPath); err != nil {
			return err
		}
	}
	return e.vault.DeleteEvidence(ctx, op.record.EvidenceID)
}

// mirrorFingerprint uses the entry's ETag when it already is a content
// fingerprint, and recomputes from the bytes otherwise.
func (e *Engine) mirrorFingerprint(ctx context.Context, entry MirrorEntry) (string, error) {
	if len(entry.ETag) == 64 && isHex(entry.ETag) {
		return entry.ETag, nil
	}
	content, err := e.mirror.Download(ctx, entry.Path)
	if err != nil {
		return "", err
	}
	return e.ledger.Compute(content), nil
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return err.Error()
	}
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func baseName(remotePath string) string {
	for i := len(remotePath) - 1; i >= 0; i-- {
		if remotePath[i] == '/' {
			return remotePath[i+1:]
		}
	}
	return remotePath
}
