package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SchedulerOptions configures the sync scheduler. Zero values fall back to
// defaults.
type SchedulerOptions struct {
	Engine   *Engine
	Locker   CaseLocker
	Vault    VaultStore
	Logger   *slog.Logger
	Debounce time.Duration
	LockTTL  time.Duration
	// Interval is the periodic full-sweep cadence; zero disables the sweep.
	Interval time.Duration
	Now      func() time.Time
}

type inflightRun struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

type finishedRun struct {
	runID      string
	finishedAt time.Time
}

// Scheduler decides when reconciliation actually happens: it joins
// triggers onto in-flight runs, collapses bursts inside the debounce
// window, and owns the per-case lock for the duration of a run.
type Scheduler struct {
	engine   *Engine
	locker   CaseLocker
	vault    VaultStore
	logger   *slog.Logger
	debounce time.Duration
	lockTTL  time.Duration
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightRun
	recent   map[string]finishedRun
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		engine:   opts.Engine,
		locker:   opts.Locker,
		vault:    opts.Vault,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		lockTTL:  opts.LockTTL,
		interval: opts.Interval,
		now:      opts.Now,
		inflight: make(map[string]*inflightRun),
		recent:   make(map[string]finishedRun),
		stop:     make(chan struct{}),
	}
}

// Trigger requests a sync of caseID and returns the run id serving the
// request. A trigger while a run is in flight joins that run; a trigger
// inside the debounce window after a finished run is answered by the
// finished run's id.
func (s *Scheduler) Trigger(ctx context.Context, caseID string) (string, error) {
	if caseID == "" {
		return "", invalidInput("case id is required")
	}
	s.mu.Lock()
	if running, ok := s.inflight[caseID]; ok {
		s.mu.Unlock()
		return running.runID, nil
	}
	if last, ok := s.recent[caseID]; ok && s.now().Sub(last.finishedAt) < s.debounce {
		s.mu.Unlock()
		return last.runID, nil
	}
	s.mu.Unlock()

	release, acquired, err := s.locker.TryAcquire(ctx, caseID, s.lockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		// A concurrent local trigger may hold the lock but not have
		// registered its run yet. Wait briefly for it before concluding
		// the holder is another replica.
		if runID, ok := s.awaitLocalRun(caseID); ok {
			return runID, nil
		}
		return "", fmt.Errorf("%w: sync already running for case %s", ErrLocked, caseID)
	}

	s.mu.Lock()
	if running, ok := s.inflight[caseID]; ok {
		// Lost the race to a concurrent local trigger.
		s.mu.Unlock()
		release()
		return running.runID, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &inflightRun{runID: newID(), cancel: cancel, done: make(chan struct{})}
	s.inflight[caseID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	pending := SyncRun{
		RunID:     run.runID,
		CaseID:    caseID,
		StartedAt: s.now().UTC(),
		Status:    RunStatusPending,
	}
	if err := s.vault.SaveRun(ctx, pending); err != nil {
		s.mu.Lock()
		delete(s.inflight, caseID)
		s.mu.Unlock()
		s.wg.Done()
		cancel()
		release()
		close(run.done)
		return "", err
	}

	go func() {
		defer s.wg.Done()
		defer release()
		defer cancel()
		_, err := s.engine.RunSync(runCtx, caseID, run.runID)
		if err != nil {
			s.logger.Warn("sync run finished with error", "caseId", caseID, "runId", run.runID, "error", err)
		}
		s.mu.Lock()
		delete(s.inflight, caseID)
		s.recent[caseID] = finishedRun{runID: run.runID, finishedAt: s.now()}
		s.mu.Unlock()
		close(run.done)
	}()
	return run.runID, nil
}

// awaitLocalRun polls for the run registration of a concurrent local
// trigger that won the case lock. It gives up after a short window, which
// is the cross-replica case.
func (s *Scheduler) awaitLocalRun(caseID string) (string, bool) {
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		s.mu.Lock()
		if running, ok := s.inflight[caseID]; ok {
			s.mu.Unlock()
			return running.runID, true
		}
		if last, ok := s.recent[caseID]; ok && s.now().Sub(last.finishedAt) < s.debounce {
			s.mu.Unlock()
			return last.runID, true
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(time.Millisecond)
	}
}

// CancelCase stops an in-flight run for caseID, if any, and waits for it
// to unwind.
func (s *Scheduler) CancelCase(caseID string) bool {
	s.mu.Lock()
	run, ok := s.inflight[caseID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	<-run.done
	return true
}

// Wait blocks until the in-flight run for caseID (if any) completes.
func (s *Scheduler) Wait(caseID string) {
	s.mu.Lock()
	run, ok := s.inflight[caseID]
	s.mu.Unlock()
	if ok {
		<-run.done
	}
}

// Start launches the periodic sweep that re-triggers every known case.
// It is a no-op when no interval was configured.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	caseIDs, err := s.vault.ListCaseIDs(ctx)
	if err != nil {
		s.logger.Warn("periodic sweep list cases", "error", err)
		return
	}
	for _, caseID := range caseIDs {
		if _, err := s.Trigger(ctx, caseID); err != nil {
			s.logger.Debug("periodic sweep trigger", "caseId", caseID, "error", err)
		}
	}
}

// Close stops the periodic sweep, cancels in-flight runs, and waits for
// all workers to exit.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	for _, run := range s.inflight {
		run.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
