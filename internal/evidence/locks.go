package evidence

import (
	"context"
	"sync"
	"time"
)

// CaseLocker grants the single-flight token for a case's sync run. The
// returned release func must be called exactly once; acquired is false when
// another holder owns the case.
type CaseLocker interface {
	TryAcquire(ctx context.Context, caseID string, ttl time.Duration) (release func(), acquired bool, err error)
}

// MemoryCaseLocker is the in-process lock arena. TTLs guard against a
// holder that never releases; release after expiry is a no-op.
type MemoryCaseLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryCaseLocker() *MemoryCaseLocker {
	return &MemoryCaseLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryCaseLocker) TryAcquire(_ context.Context, caseID string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if deadline, ok := l.held[caseID]; ok && now.Before(deadline) {
		return nil, false, nil
	}
	deadline := now.Add(ttl)
	l.held[caseID] = deadline
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.held[caseID]; ok && current.Equal(deadline) {
			delete(l.held, caseID)
		}
	}
	return release, true, nil
}
