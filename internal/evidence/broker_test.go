package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTrigger) Trigger(_ context.Context, caseID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, caseID)
	return "run-after-save", nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type brokerEnv struct {
	vault   *MemoryVaultStore
	ledger  *Ledger
	blobs   *MemoryBlobStore
	events  *recordingPublisher
	trigger *fakeTrigger
	broker  *Broker

	mu  sync.Mutex
	now time.Time
}

func newBrokerEnv(t *testing.T) *brokerEnv {
	t.Helper()
	env := &brokerEnv{
		vault:   NewMemoryVaultStore(),
		ledger:  NewLedger(NewMemoryLedgerStore()),
		blobs:   NewMemoryBlobStore(),
		events:  &recordingPublisher{},
		trigger: &fakeTrigger{},
		now:     time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	env.broker = NewBroker(BrokerOptions{
		Vault:       env.vault,
		Ledger:      env.ledger,
		Blobs:       env.blobs,
		Events:      env.events,
		Trigger:     env.trigger,
		Secret:      []byte("callback-secret"),
		SessionTTL:  30 * time.Minute,
		MaxSkew:     2 * time.Minute,
		EditorURL:   "http://editor.local",
		CallbackURL: "http://coordinator.local/v1/evidence/edit-callback",
		Now:         env.clock,
	})
	return env
}

func (env *brokerEnv) clock() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *brokerEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
}

func (env *brokerEnv) seedEvidence(t *testing.T, evidenceID string, content []byte) EvidenceRecord {
	t.Helper()
	ctx := context.Background()
	rec := EvidenceRecord{
		CaseID:      "case-1",
		EvidenceID:  evidenceID,
		FileName:    "report.txt",
		CurrentHash: env.ledger.Compute(content),
		Size:        int64(len(content)),
		MimeType:    "text/plain",
		SyncState:   SyncStateSynced,
		Version:     1,
		UpdatedAt:   env.clock(),
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

func (env *brokerEnv) signedCallback(sessionID string, content []byte) SaveCallback {
	signedAt := env.clock()
	return SaveCallback{
		SessionID: sessionID,
		Content:   content,
		Signature: SignCallback([]byte("callback-secret"), sessionID, content, signedAt),
		SignedAt:  signedAt,
	}
}

func TestOpenSessionIdempotent(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))

	first, err := env.broker.Open(ctx, "ev-1", "alice")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	env.advance(10 * time.Minute)
	second, err := env.broker.Open(ctx, "ev-1", "alice")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("reopen created a new session: %s vs %s", second.SessionID, first.SessionID)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("reopen did not extend expiry")
	}
}

func TestOpenSessionUnknownEvidence(t *testing.T) {
	env := newBrokerEnv(t)
	_, err := env.broker.Open(context.Background(), "missing", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenSessionLockedDuringSync(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	rec := env.seedEvidence(t, "ev-1", []byte("v1"))
	rec.SyncState = SyncStateSyncing
	if err := env.vault.UpdateEvidence(ctx, rec, 1); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	_, err := env.broker.Open(ctx, "ev-1", "alice")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestSaveCallbackCommits(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, err := env.broker.Open(ctx, "ev-1", "alice")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	session, err := env.broker.HandleSaveCallback(ctx, env.signedCallback(desc.SessionID, []byte("v2")))
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if session.Status != SessionSaved {
		t.Fatalf("expected saved, got %s", session.Status)
	}

	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
	if rec.SyncState != SyncStateUnsynced {
		t.Fatalf("expected unsynced after save, got %s", rec.SyncState)
	}
	if ok, err := env.ledger.Verify(ctx, "ev-1", rec.CurrentHash); err != nil || !ok {
		t.Fatalf("ledger not updated: ok=%v err=%v", ok, err)
	}
	content, err := env.blobs.Get(ctx, BlobKey("ev-1", 2))
	if err != nil || string(content) != "v2" {
		t.Fatalf("saved content missing: %v", err)
	}
	if env.trigger.count() != 1 {
		t.Fatalf("expected one sync trigger, got %d", env.trigger.count())
	}
	statuses := env.events.ofType("edit_status")
	if len(statuses) != 1 || statuses[0].payload["status"] != "saved" {
		t.Fatalf("unexpected edit_status events: %+v", statuses)
	}
}

func TestSaveCallbackNoOpWhenUnchanged(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	session, err := env.broker.HandleSaveCallback(ctx, env.signedCallback(desc.SessionID, []byte("v1")))
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if session.Status != SessionSaved {
		t.Fatalf("expected saved, got %s", session.Status)
	}
	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	if rec.Version != 1 {
		t.Fatalf("no-op save bumped version to %d", rec.Version)
	}
	if env.trigger.count() != 0 {
		t.Fatalf("no-op save triggered a sync")
	}
}

func TestSaveCallbackStaleBaseConflict(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	// A sync run pulls remote content underneath the session.
	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	rec.CurrentHash = env.ledger.Compute([]byte("remote"))
	rec.Version = 2
	if err := env.vault.UpdateEvidence(ctx, rec, 1); err != nil {
		t.Fatalf("concurrent update failed: %v", err)
	}

	session, err := env.broker.HandleSaveCallback(ctx, env.signedCallback(desc.SessionID, []byte("mine")))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if session.Status != SessionConflict {
		t.Fatalf("expected conflict status, got %s", session.Status)
	}
	// Vault keeps the racing write; losing content is preserved.
	current, _ := env.vault.GetEvidence(ctx, "ev-1")
	if current.Version != 2 || current.CurrentHash != env.ledger.Compute([]byte("remote")) {
		t.Fatalf("conflicting save mutated the record: %+v", current)
	}
	artifact, err := env.blobs.Get(ctx, ConflictKey(desc.SessionID))
	if err != nil || string(artifact) != "mine" {
		t.Fatalf("conflict artifact missing: %v", err)
	}
}

func TestSaveCallbackExpiredSession(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	env.advance(31 * time.Minute)
	cb := env.signedCallback(desc.SessionID, []byte("late"))
	session, err := env.broker.HandleSaveCallback(ctx, cb)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if session.Status != SessionExpired {
		t.Fatalf("expected expired status, got %s", session.Status)
	}
	rec, _ := env.vault.GetEvidence(ctx, "ev-1")
	if rec.Version != 1 {
		t.Fatalf("expired save mutated the record")
	}
	if _, err := env.blobs.Get(ctx, BlobKey("ev-1", 2)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired save wrote a blob")
	}
}

func TestSaveCallbackInvalidSignature(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	cb := env.signedCallback(desc.SessionID, []byte("v2"))
	cb.Signature = "0000" + cb.Signature[4:]
	if _, err := env.broker.HandleSaveCallback(ctx, cb); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// Session stays usable after the rejected callback.
	session, err := env.broker.GetSession(desc.SessionID)
	if err != nil || session.Status != SessionActive {
		t.Fatalf("session not active after bad signature: %+v %v", session, err)
	}
}

func TestSaveCallbackStaleTimestamp(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	signedAt := env.clock().Add(-10 * time.Minute)
	cb := SaveCallback{
		SessionID: desc.SessionID,
		Content:   []byte("v2"),
		Signature: SignCallback([]byte("callback-secret"), desc.SessionID, []byte("v2"), signedAt),
		SignedAt:  signedAt,
	}
	if _, err := env.broker.HandleSaveCallback(ctx, cb); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestAbortSession(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	if _, err := env.broker.Abort(ctx, desc.SessionID, "mallory"); err == nil {
		t.Fatalf("expected abort by non-opener to fail")
	}
	session, err := env.broker.Abort(ctx, desc.SessionID, "alice")
	if err != nil {
		t.Fatalf("abort failed: %v", err)
	}
	if session.Status != SessionAborted {
		t.Fatalf("expected aborted, got %s", session.Status)
	}

	// Evidence is free for a fresh session again.
	next, err := env.broker.Open(ctx, "ev-1", "bob")
	if err != nil {
		t.Fatalf("open after abort failed: %v", err)
	}
	if next.SessionID == desc.SessionID {
		t.Fatalf("aborted session was reused")
	}
}

// gatedBlobStore stalls the first Put so a test can hold a save callback
// mid-commit, inside the per-evidence critical section.
type gatedBlobStore struct {
	*MemoryBlobStore
	entered chan struct{}
	resume  chan struct{}
	once    sync.Once
}

func (g *gatedBlobStore) Put(ctx context.Context, key string, content []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.resume
	})
	return g.MemoryBlobStore.Put(ctx, key, content)
}

func TestAbortRejectedAfterConcurrentSaveCommit(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBlobStore()
	gate := &gatedBlobStore{
		MemoryBlobStore: inner,
		entered:         make(chan struct{}),
		resume:          make(chan struct{}),
	}
	vault := NewMemoryVaultStore()
	ledger := NewLedger(NewMemoryLedgerStore())
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	broker := NewBroker(BrokerOptions{
		Vault:  vault,
		Ledger: ledger,
		Blobs:  gate,
		Secret: []byte("callback-secret"),
		Now:    func() time.Time { return now },
	})

	content := []byte("v1")
	rec := EvidenceRecord{
		CaseID:      "case-1",
		EvidenceID:  "ev-1",
		FileName:    "report.txt",
		CurrentHash: ledger.Compute(content),
		Size:        int64(len(content)),
		MimeType:    "text/plain",
		SyncState:   SyncStateSynced,
		Version:     1,
		UpdatedAt:   now,
	}
	if err := inner.Put(ctx, BlobKey("ev-1", 1), content); err != nil {
		t.Fatalf("seed blob failed: %v", err)
	}
	if err := vault.PutEvidence(ctx, rec); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}
	desc, err := broker.Open(ctx, "ev-1", "alice")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	type result struct {
		session EditSession
		err     error
	}
	saveCh := make(chan result, 1)
	go func() {
		cb := SaveCallback{
			SessionID: desc.SessionID,
			Content:   []byte("v2"),
			Signature: SignCallback([]byte("callback-secret"), desc.SessionID, []byte("v2"), now),
			SignedAt:  now,
		}
		session, err := broker.HandleSaveCallback(ctx, cb)
		saveCh <- result{session, err}
	}()
	<-gate.entered

	// The save is parked mid-commit holding the evidence lock; an abort
	// arriving now must wait for it and then respect the terminal status.
	abortCh := make(chan result, 1)
	go func() {
		session, err := broker.Abort(ctx, desc.SessionID, "alice")
		abortCh <- result{session, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.resume)

	save := <-saveCh
	if save.err != nil || save.session.Status != SessionSaved {
		t.Fatalf("save did not commit: %+v %v", save.session, save.err)
	}
	abort := <-abortCh
	if !errors.Is(abort.err, ErrInvalidInput) {
		t.Fatalf("expected abort of a saved session to be rejected, got %v", abort.err)
	}
	final, err := broker.GetSession(desc.SessionID)
	if err != nil || final.Status != SessionSaved {
		t.Fatalf("terminal saved status was overwritten: %+v %v", final, err)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.seedEvidence(t, "ev-1", []byte("v1"))
	desc, _ := env.broker.Open(ctx, "ev-1", "alice")

	env.advance(31 * time.Minute)
	if n := env.broker.ExpireStale(ctx); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	session, _ := env.broker.GetSession(desc.SessionID)
	if session.Status != SessionExpired {
		t.Fatalf("expected expired, got %s", session.Status)
	}
	statuses := env.events.ofType("edit_status")
	if len(statuses) != 1 || statuses[0].payload["status"] != "expired" {
		t.Fatalf("unexpected edit_status events: %+v", statuses)
	}
}
