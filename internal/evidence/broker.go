package evidence

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SyncTrigger requests a mirror sync after a committed save. The scheduler
// implements it.
type SyncTrigger interface {
	Trigger(ctx context.Context, caseID string) (string, error)
}

// SessionDescriptor is handed to the editing front end when a session
// opens. Token is a signed HS256 claim set binding the session to the
// evidence item and expiry.
type SessionDescriptor struct {
	SessionID   string    `json:"sessionId"`
	EvidenceID  string    `json:"evidenceId"`
	DocumentURL string    `json:"documentUrl"`
	CallbackURL string    `json:"callbackUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Token       string    `json:"token"`
}

type sessionClaims struct {
	SessionID  string `json:"session_id"`
	EvidenceID string `json:"evidence_id"`
	jwt.RegisteredClaims
}

// SaveCallback is the editor's signed save notification.
type SaveCallback struct {
	SessionID string
	Content   []byte
	Signature string
	SignedAt  time.Time
}

// BrokerOptions configures an edit session Broker. Zero values fall back
// to defaults.
type BrokerOptions struct {
	Vault       VaultStore
	Ledger      *Ledger
	Blobs       BlobStore
	Events      EventPublisher
	Trigger     SyncTrigger
	Logger      *slog.Logger
	Secret      []byte
	SessionTTL  time.Duration
	MaxSkew     time.Duration
	EditorURL   string
	CallbackURL string
	Now         func() time.Time
}

// Broker mediates collaborative edit sessions: one active session per
// evidence item, signed descriptors out, verified save callbacks in.
type Broker struct {
	vault   VaultStore
	ledger  *Ledger
	blobs   BlobStore
	events  EventPublisher
	trigger SyncTrigger
	logger  *slog.Logger

	secret      []byte
	sessionTTL  time.Duration
	maxSkew     time.Duration
	editorURL   string
	callbackURL string
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*EditSession
	active   map[string]string // evidenceID -> active sessionID

	evidenceMu sync.Mutex
	evidence   map[string]*sync.Mutex
}

func NewBroker(opts BrokerOptions) *Broker {
	if opts.Events == nil {
		opts.Events = NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broker{
		vault:       opts.Vault,
		ledger:      opts.Ledger,
		blobs:       opts.Blobs,
		events:      opts.Events,
		trigger:     opts.Trigger,
		logger:      opts.Logger,
		secret:      opts.Secret,
		sessionTTL:  opts.SessionTTL,
		maxSkew:     opts.MaxSkew,
		editorURL:   opts.EditorURL,
		callbackURL: opts.CallbackURL,
		now:         opts.Now,
		sessions:    make(map[string]*EditSession),
		active:      make(map[string]string),
		evidence:    make(map[string]*sync.Mutex),
	}
}

// lockEvidence serializes broker operations per evidence item. Different
// items proceed in parallel.
func (b *Broker) lockEvidence(evidenceID string) func() {
	b.evidenceMu.Lock()
	m, ok := b.evidence[evidenceID]
	if !ok {
		m = &sync.Mutex{}
		b.evidence[evidenceID] = m
	}
	b.evidenceMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Open starts (or rejoins) the edit session for an evidence item. Opening
// while a session is already active returns the same session with its
// expiry extended; opening mid-reconciliation fails with ErrLocked.
func (b *Broker) Open(ctx context.Context, evidenceID, user string) (SessionDescriptor, error) {
	rec, err := b.vault.GetEvidence(ctx, evidenceID)
	if err != nil {
		return SessionDescriptor{}, err
	}
	if rec.SyncState == SyncStateSyncing {
		return SessionDescriptor{}, fmt.Errorf("%w: evidence %s is being reconciled", ErrLocked, evidenceID)
	}

	unlock := b.lockEvidence(evidenceID)
	defer unlock()

	now := b.now().UTC()
	b.mu.Lock()
	if sessionID, ok := b.active[evidenceID]; ok {
		session := b.sessions[sessionID]
		if now.Before(session.ExpiresAt) {
			session.ExpiresAt = now.Add(b.sessionTTL)
			desc, err := b.describe(*session)
			b.mu.Unlock()
			return desc, err
		}
		session.Status = SessionExpired
		delete(b.active, evidenceID)
		b.mu.Unlock()
		b.publishStatus(*session)
		b.mu.Lock()
	}

	session := &EditSession{
		SessionID:  newID(),
		EvidenceID: evidenceID,
		CaseID:     rec.CaseID,
		OpenedBy:   user,
		OpenedAt:   now,
		ExpiresAt:  now.Add(b.sessionTTL),
		BaseHash:   rec.CurrentHash,
		Status:     SessionActive,
	}
	b.sessions[session.SessionID] = session
	b.active[evidenceID] = session.SessionID
	desc, err := b.describe(*session)
	b.mu.Unlock()
	return desc, err
}

func (b *Broker) describe(session EditSession) (SessionDescriptor, error) {
	claims := sessionClaims{
		SessionID:  session.SessionID,
		EvidenceID: session.EvidenceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.OpenedAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return SessionDescriptor{}, fmt.Errorf("sign session token: %w", err)
	}
	return SessionDescriptor{
		SessionID:   session.SessionID,
		EvidenceID:  session.EvidenceID,
		DocumentURL: fmt.Sprintf("%s/documents/%s", b.editorURL, session.EvidenceID),
		CallbackURL: b.callbackURL,
		ExpiresAt:   session.ExpiresAt,
		Token:       token,
	}, nil
}

// SignCallback computes the save-callback signature the editor must send:
// hex HMAC-SHA256 over the unix timestamp, session id, and content
// fingerprint, newline separated.
func SignCallback(secret []byte, sessionID string, content []byte, signedAt time.Time) string {
	sum := sha256.Sum256(content)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(signedAt.Unix(), 10)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(sessionID))
	mac.Write([]byte("\n"))
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Broker) verifyCallback(cb SaveCallback) error {
	if len(b.secret) == 0 {
		return fmt.Errorf("%w: callback secret not configured", ErrInvalidSignature)
	}
	skew := b.now().Sub(cb.SignedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > b.maxSkew {
		return fmt.Errorf("%w: callback timestamp outside allowed skew", ErrInvalidSignature)
	}
	expected := SignCallback(b.secret, cb.SessionID, cb.Content, cb.SignedAt)
	if !hmac.Equal([]byte(expected), []byte(cb.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleSaveCallback applies an editor save. Ordering matters: signature
// first, then expiry, then the no-op and divergence checks, and only then
// the commit. Nothing is written before the commit point except the
// conflict artifact.
func (b *Broker) HandleSaveCallback(ctx context.Context, cb SaveCallback) (EditSession, error) {
	if err := b.verifyCallback(cb); err != nil {
		return EditSession{}, err
	}

	b.mu.Lock()
	session, ok := b.sessions[cb.SessionID]
	if !ok {
		b.mu.Unlock()
		return EditSession{}, fmt.Errorf("%w: session %s", ErrNotFound, cb.SessionID)
	}
	evidenceID := session.EvidenceID
	b.mu.Unlock()

	unlock := b.lockEvidence(evidenceID)
	defer unlock()

	b.mu.Lock()
	switch session.Status {
	case SessionActive:
	case SessionExpired:
		b.mu.Unlock()
		return *session, ErrExpired
	default:
		snap := *session
		b.mu.Unlock()
		return snap, fmt.Errorf("%w: session %s is %s", ErrInvalidInput, cb.SessionID, snap.Status)
	}
	now := b.now().UTC()
	if !now.Before(session.ExpiresAt) {
		session.Status = SessionExpired
		delete(b.active, evidenceID)
		snap := *session
		b.mu.Unlock()
		b.publishStatus(snap)
		return snap, ErrExpired
	}
	baseHash := session.BaseHash
	b.mu.Unlock()

	newHash := b.ledger.Compute(cb.Content)
	if newHash == baseHash {
		return b.conclude(session, SessionSaved), nil
	}

	rec, err := b.vault.GetEvidence(ctx, evidenceID)
	if err != nil {
		return *session, err
	}
	if rec.CurrentHash != baseHash {
		return b.failDiverged(ctx, session, cb.Content, baseHash, rec.CurrentHash)
	}

	previousVersion := rec.Version
	rec.CurrentHash = newHash
	rec.Size = int64(len(cb.Content))
	rec.Version = previousVersion + 1
	rec.UpdatedAt = now
	rec.SyncState = SyncStateUnsynced
	if err := b.blobs.Put(ctx, BlobKey(evidenceID, rec.Version), cb.Content); err != nil {
		return *session, err
	}
	if err := b.vault.UpdateEvidence(ctx, rec, previousVersion); err != nil {
		var conflict *VersionConflictError
		if !errors.As(err, &conflict) {
			return *session, err
		}
		// Someone committed between our read and our write. Treat it as
		// divergence: the racing write stays authoritative.
		current, getErr := b.vault.GetEvidence(ctx, evidenceID)
		currentHash := ""
		if getErr == nil {
			currentHash = current.CurrentHash
		}
		return b.failDiverged(ctx, session, cb.Content, baseHash, currentHash)
	}
	if err := b.ledger.Record(ctx, evidenceID, newHash, rec.Version); err != nil {
		b.logger.Error("ledger record after save", "evidenceId", evidenceID, "error", err)
	}

	result := b.conclude(session, SessionSaved)
	if b.trigger != nil {
		if _, err := b.trigger.Trigger(context.WithoutCancel(ctx), rec.CaseID); err != nil {
			b.logger.Warn("post-save sync trigger", "caseId", rec.CaseID, "error", err)
		}
	}
	return result, nil
}

// failDiverged preserves the losing content as a conflict artifact and
// moves the session to conflict. The vault record is untouched.
func (b *Broker) failDiverged(ctx context.Context, session *EditSession, content []byte, baseHash, currentHash string) (EditSession, error) {
	if err := b.blobs.Put(ctx, ConflictKey(session.SessionID), content); err != nil {
		b.logger.Error("store conflict artifact", "sessionId", session.SessionID, "error", err)
	}
	snap := b.conclude(session, SessionConflict)
	return snap, &StaleBaseError{
		SessionID:   session.SessionID,
		EvidenceID:  session.EvidenceID,
		BaseHash:    baseHash,
		CurrentHash: currentHash,
	}
}

// conclude moves a session to a terminal status under the broker lock and
// publishes the transition.
func (b *Broker) conclude(session *EditSession, status SessionStatus) EditSession {
	b.mu.Lock()
	session.Status = status
	if b.active[session.EvidenceID] == session.SessionID {
		delete(b.active, session.EvidenceID)
	}
	snap := *session
	b.mu.Unlock()
	b.publishStatus(snap)
	return snap
}

// Abort cancels an active session. Only the opener may abort it.
func (b *Broker) Abort(_ context.Context, sessionID, user string) (EditSession, error) {
	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return EditSession{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	evidenceID := session.EvidenceID
	b.mu.Unlock()

	unlock := b.lockEvidence(evidenceID)
	defer unlock()

	// The status check must happen after the evidence lock is held: a save
	// callback holding the lock may conclude the session first, and a
	// terminal status never changes again.
	b.mu.Lock()
	if session.Status != SessionActive {
		snap := *session
		b.mu.Unlock()
		return snap, fmt.Errorf("%w: session %s is %s", ErrInvalidInput, sessionID, snap.Status)
	}
	if session.OpenedBy != user {
		b.mu.Unlock()
		return EditSession{}, fmt.Errorf("%w: session %s belongs to %s", ErrInvalidInput, sessionID, session.OpenedBy)
	}
	b.mu.Unlock()

	return b.conclude(session, SessionAborted), nil
}

// GetSession returns a snapshot of one session.
func (b *Broker) GetSession(sessionID string) (EditSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return EditSession{}, ErrNotFound
	}
	return *session, nil
}

// ExpireStale sweeps active sessions past their deadline.
func (b *Broker) ExpireStale(_ context.Context) int {
	now := b.now().UTC()
	b.mu.Lock()
	var stale []*EditSession
	for _, session := range b.sessions {
		if session.Status == SessionActive && !now.Before(session.ExpiresAt) {
			stale = append(stale, session)
		}
	}
	b.mu.Unlock()
	for _, session := range stale {
		unlock := b.lockEvidence(session.EvidenceID)
		b.mu.Lock()
		expired := session.Status == SessionActive && !b.now().UTC().Before(session.ExpiresAt)
		b.mu.Unlock()
		if expired {
			b.conclude(session, SessionExpired)
		}
		unlock()
	}
	return len(stale)
}

func (b *Broker) publishStatus(session EditSession) {
	b.events.Publish(session.CaseID, "edit_status", map[string]any{
		"caseId":     session.CaseID,
		"evidenceId": session.EvidenceID,
		"sessionId":  session.SessionID,
		"status":     string(session.Status),
	})
}
