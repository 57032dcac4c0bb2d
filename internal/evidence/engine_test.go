package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordedEvent struct {
	caseID  string
	typ     string
	payload map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(caseID, eventType string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{caseID: caseID, typ: eventType, payload: payload})
}

func (p *recordingPublisher) ofType(eventType string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, ev := range p.events {
		if ev.typ == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type engineEnv struct {
	vault  *MemoryVaultStore
	ledger *Ledger
	mirror *MemoryMirror
	blobs  *MemoryBlobStore
	events *recordingPublisher
	engine *Engine
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	env := &engineEnv{
		vault:  NewMemoryVaultStore(),
		ledger: NewLedger(NewMemoryLedgerStore()),
		blobs:  NewMemoryBlobStore(),
		events: &recordingPublisher{},
	}
	env.mirror = NewMemoryMirror(env.ledger.Compute)
	env.engine = NewEngine(EngineOptions{
		Vault:         env.vault,
		Ledger:        env.ledger,
		Mirror:        env.mirror,
		Blobs:         env.blobs,
		Events:        env.events,
		SkewTolerance: 2 * time.Second,
	})
	return env
}

func (env *engineEnv) seedVaultFile(t *testing.T, caseID, evidenceID, fileName string, content []byte, updatedAt time.Time) EvidenceRecord {
	t.Helper()
	ctx := context.Background()
	rec := EvidenceRecord{
		CaseID:      caseID,
		EvidenceID:  evidenceID,
		FileName:    fileName,
		CurrentHash: env.ledger.Compute(content),
		Size:        int64(len(content)),
		MimeType:    "text/plain",
		SyncState:   SyncStateUnsynced,
		Version:     1,
		UpdatedAt:   updatedAt,
	}
	if err := env.blobs.Put(ctx, BlobKey(evidenceID, 1), content); err != nil {
		t.Fatalf("seed blob failed: %v", err)
	}
	if err := env.vault.PutEvidence(ctx, rec); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}
	if err := env.ledger.Record(ctx, evidenceID, rec.CurrentHash, 1); err != nil {
		t.Fatalf("seed ledger failed: %v", err)
	}
	return rec
}

func TestSyncPushesVaultOnlyFile(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.seedVaultFile(t, "case-1", "ev-1", "report.txt", []byte("findings"), time.Now().UTC())

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if len(run.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(run.Operations))
	}
	op := run.Operations[0]
	if op.Direction != DirectionToMirror || op.Action != ActionCreate || op.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected op: %+v", op)
	}

	rec, err := env.vault.GetEvidence(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if rec.SyncState != SyncStateSynced {
		t.Fatalf("expected synced, got %s", rec.SyncState)
	}
	if rec.MirrorPath != "case-1/report.txt" {
		t.Fatalf("unexpected mirror path %s", rec.MirrorPath)
	}
	if _, err := env.mirror.Download(ctx, "case-1/report.txt"); err != nil {
		t.Fatalf("mirror object missing: %v", err)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.seedVaultFile(t, "case-1", "ev-1", "report.txt", []byte("findings"), time.Now().UTC())

	if _, err := env.engine.RunSync(ctx, "case-1", "run-1"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := env.engine.RunSync(ctx, "case-1", "run-2")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", second.Status)
	}
	for _, op := range second.Operations {
		if op.Outcome != OutcomeSkipped {
			t.Fatalf("expected only skips on second run, got %+v", op)
		}
	}
	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	if rec.Version != 1 {
		t.Fatalf("idempotent rerun changed version to %d", rec.Version)
	}
}

func TestSyncAdoptsMirrorOnlyFile(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.mirror.Seed("case-1/photo.jpg", []byte("jpeg-bytes"), time.Now().UTC())

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(run.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(run.Operations))
	}
	op := run.Operations[0]
	if op.Direction != DirectionFromMirror || op.Action != ActionCreate || op.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected op: %+v", op)
	}
	if op.EvidenceID == "" {
		t.Fatalf("adopted file has no evidence id")
	}

	rec, err := env.vault.GetEvidence(ctx, op.EvidenceID)
	if err != nil {
		t.Fatalf("adopted record missing: %v", err)
	}
	if rec.SyncState != SyncStateSynced || rec.Version != 1 {
		t.Fatalf("unexpected adopted record: %+v", rec)
	}
	if ok, err := env.ledger.Verify(ctx, rec.EvidenceID, rec.CurrentHash); err != nil || !ok {
		t.Fatalf("ledger row missing for adopted file: ok=%v err=%v", ok, err)
	}
}

func TestSyncPullsNewerMirrorContent(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	rec := env.seedVaultFile(t, "case-1", "ev-1", "report.txt", []byte("draft"), old)
	rec.MirrorPath = "case-1/report.txt"
	rec.SyncState = SyncStateSynced
	if err := env.vault.UpdateEvidence(ctx, rec, 1); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	env.mirror.Seed("case-1/report.txt", []byte("final"), time.Now().UTC())

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	op := run.Operations[0]
	if op.Direction != DirectionFromMirror || op.Action != ActionUpdate || op.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected op: %+v", op)
	}
	updated, _ := env.vault.GetEvidence(ctx, "ev-1")
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after pull, got %d", updated.Version)
	}
	if updated.CurrentHash != env.ledger.Compute([]byte("final")) {
		t.Fatalf("record hash not updated")
	}
	content, err := env.blobs.Get(ctx, BlobKey("ev-1", 2))
	if err != nil || string(content) != "final" {
		t.Fatalf("pulled content not stored: %v", err)
	}
}

func TestSyncPushesNewerVaultContent(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.mirror.Seed("case-1/report.txt", []byte("stale"), time.Now().UTC().Add(-time.Hour))
	rec := env.seedVaultFile(t, "case-1", "ev-1", "report.txt", []byte("fresh"), time.Now().UTC())
	rec.MirrorPath = "case-1/report.txt"
	if err := env.vault.UpdateEvidence(ctx, rec, 1); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	op := run.Operations[0]
	if op.Direction != DirectionToMirror || op.Action != ActionUpdate || op.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected op: %+v", op)
	}
	content, err := env.mirror.Download(ctx, "case-1/report.txt")
	if err != nil || string(content) != "fresh" {
		t.Fatalf("mirror not updated: %v", err)
	}
}

func TestSyncFlagsAmbiguousTimestampsAsConflict(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := env.seedVaultFile(t, "case-1", "ev-1", "report.txt", []byte("mine"), now)
	rec.MirrorPath = "case-1/report.txt"
	if err := env.vault.UpdateEvidence(ctx, rec, 1); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	// Within the skew tolerance of the vault timestamp.
	env.mirror.Seed("case-1/report.txt", []byte("theirs"), now.Add(time.Second))

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	op := run.Operations[0]
	if op.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict outcome, got %+v", op)
	}
	updated, _ := env.vault.GetEvidence(ctx, "ev-1")
	if updated.SyncState != SyncStateConflict {
		t.Fatalf("expected conflict state, got %s", updated.SyncState)
	}
	// Neither side was overwritten.
	if updated.CurrentHash != env.ledger.Compute([]byte("mine")) {
		t.Fatalf("vault content was overwritten")
	}
	content, _ := env.mirror.Download(ctx, "case-1/report.txt")
	if string(content) != "theirs" {
		t.Fatalf("mirror content was overwritten")
	}
}

func TestSyncPartialOnSingleOpFailure(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.seedVaultFile(t, "case-1", "ev-1", "a.txt", []byte("aaa"), time.Now().UTC())
	env.seedVaultFile(t, "case-1", "ev-2", "b.txt", []byte("bbb"), time.Now().UTC())
	env.mirror.Fail("case-1/a.txt", fmt.Errorf("%w: mirror down", ErrUnavailable))

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status != RunStatusPartial {
		t.Fatalf("expected partial, got %s", run.Status)
	}
	outcomes := map[string]Outcome{}
	for _, op := range run.Operations {
		outcomes[op.Path] = op.Outcome
	}
	if outcomes["case-1/a.txt"] != OutcomeFailed {
		t.Fatalf("expected a.txt to fail, got %s", outcomes["case-1/a.txt"])
	}
	if outcomes["case-1/b.txt"] != OutcomeSucceeded {
		t.Fatalf("expected b.txt to succeed, got %s", outcomes["case-1/b.txt"])
	}
	for _, op := range run.Operations {
		if op.Path == "case-1/a.txt" && op.Error != "unavailable" {
			t.Fatalf("expected unavailable error kind, got %q", op.Error)
		}
	}
}

func TestSyncFailsWhenMirrorListingUnavailable(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.seedVaultFile(t, "case-1", "ev-1", "a.txt", []byte("aaa"), time.Now().UTC())
	env.mirror.Fail("case-1", fmt.Errorf("%w: mirror down", ErrUnavailable))

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err == nil {
		t.Fatalf("expected error when listing fails")
	}
	if run.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	if rec.SyncState != SyncStateUnsynced {
		t.Fatalf("record state changed despite failed run: %s", rec.SyncState)
	}
}

func TestSyncAppliesDeletesLast(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.mirror.Seed("case-1/old.txt", []byte("old"), time.Now().UTC().Add(-time.Hour))
	doomed := env.seedVaultFile(t, "case-1", "ev-del", "old.txt", []byte("old"), time.Now().UTC().Add(-time.Hour))
	doomed.MirrorPath = "case-1/old.txt"
	doomed.PendingDelete = true
	if err := env.vault.UpdateEvidence(ctx, doomed, 1); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	env.seedVaultFile(t, "case-1", "ev-new", "new.txt", []byte("new"), time.Now().UTC())

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(run.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(run.Operations))
	}
	if run.Operations[0].Action == ActionDelete {
		t.Fatalf("delete ran before create")
	}
	last := run.Operations[len(run.Operations)-1]
	if last.Action != ActionDelete || last.Outcome != OutcomeSucceeded {
		t.Fatalf("expected final delete op, got %+v", last)
	}
	if _, err := env.mirror.Download(ctx, "case-1/old.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mirror object not removed: %v", err)
	}
	if _, err := env.vault.GetEvidence(ctx, "ev-del"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record not removed: %v", err)
	}
}

func TestSyncCancelledBetweenOperations(t *testing.T) {
	env := newEngineEnv(t)
	env.seedVaultFile(t, "case-1", "ev-1", "a.txt", []byte("aaa"), time.Now().UTC())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := env.engine.RunSync(ctx, "case-1", "run-1")
	if err == nil {
		t.Fatalf("expected cancelled run to return an error")
	}
	if run.Status != RunStatusFailed || run.Error != ErrCancelled.Error() {
		t.Fatalf("unexpected run result: %+v", run)
	}
}

func TestSyncPublishesCompletionEvent(t *testing.T) {
	env := newEngineEnv(t)
	env.seedVaultFile(t, "case-1", "ev-1", "a.txt", []byte("aaa"), time.Now().UTC())

	if _, err := env.engine.RunSync(context.Background(), "case-1", "run-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	completed := env.events.ofType("sync_completed")
	if len(completed) != 1 {
		t.Fatalf("expected 1 sync_completed event, got %d", len(completed))
	}
	if completed[0].payload["runId"] != "run-1" {
		t.Fatalf("event missing run id: %+v", completed[0].payload)
	}
}
