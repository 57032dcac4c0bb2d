// Package hub fans coordinator events out to the browsers watching a case.
// It tracks who is present, keeps per-connection queues bounded, and never
// performs network I/O while holding its lock; actual socket writes happen
// in the transport layer draining each subscriber's channel.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one message bound for case subscribers.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PresenceEntry is the ephemeral roster record for one live connection.
type PresenceEntry struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// Subscriber is one case connection. The transport drains C; when the hub
// had to shed events for this connection, a single resync_required event
// appears in the stream and the client is expected to refetch state.
type Subscriber struct {
	ConnID string
	CaseID string
	C      chan Event

	resyncPending bool
}

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	QueueSize        int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Hub is the per-case connection registry.
type Hub struct {
	queueSize int
	timeout   time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	byCase   map[string]map[string]*Subscriber
	presence map[string]PresenceEntry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		queueSize: opts.QueueSize,
		timeout:   opts.HeartbeatTimeout,
		interval:  opts.SweepInterval,
		logger:    opts.Logger,
		now:       opts.Now,
		byCase:    make(map[string]map[string]*Subscriber),
		presence:  make(map[string]PresenceEntry),
		stop:      make(chan struct{}),
	}
}

// Join registers a connection with the case. The new subscriber's queue
// starts with a connected event carrying the full roster; everyone else
// gets a presence event with the updated roster.
func (h *Hub) Join(caseID, connID, userID string) *Subscriber {
	now := h.now().UTC()
	sub := &Subscriber{
		ConnID: connID,
		CaseID: caseID,
		C:      make(chan Event, h.queueSize),
	}

	h.mu.Lock()
	if h.byCase[caseID] == nil {
		h.byCase[caseID] = make(map[string]*Subscriber)
	}
	h.byCase[caseID][connID] = sub
	h.presence[connID] = PresenceEntry{
		ConnID:   connID,
		UserID:   userID,
		JoinedAt: now,
		LastSeen: now,
	}
	roster := h.rosterLocked(caseID)
	h.enqueueLocked(sub, Event{Type: "connected", Payload: map[string]any{
		"caseId": caseID,
		"roster": roster,
	}})
	h.broadcastLocked(caseID, connID, Event{Type: "presence", Payload: map[string]any{
		"caseId": caseID,
		"roster": roster,
	}})
	h.mu.Unlock()
	return sub
}

// Leave drops the connection and tells the remaining subscribers.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	if _, ok := h.presence[connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.presence, connID)
	var caseID string
	for id, subs := range h.byCase {
		if sub, ok := subs[connID]; ok {
			caseID = id
			delete(subs, connID)
			close(sub.C)
			if len(subs) == 0 {
				delete(h.byCase, id)
			}
			break
		}
	}
	if caseID != "" {
		h.broadcastLocked(caseID, "", Event{Type: "presence", Payload: map[string]any{
			"caseId": caseID,
			"roster": h.rosterLocked(caseID),
		}})
	}
	h.mu.Unlock()
}

// Touch records a heartbeat from the connection.
func (h *Hub) Touch(connID string) {
	h.mu.Lock()
	if entry, ok := h.presence[connID]; ok {
		entry.LastSeen = h.now().UTC()
		h.presence[connID] = entry
	}
	h.mu.Unlock()
}

// Roster returns the current presence list for a case, oldest join first.
func (h *Hub) Roster(caseID string) []PresenceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked(caseID)
}

func (h *Hub) rosterLocked(caseID string) []PresenceEntry {
	out := make([]PresenceEntry, 0, len(h.byCase[caseID]))
	for connID := range h.byCase[caseID] {
		out = append(out, h.presence[connID])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Publish fans an event out to every subscriber of the case. It satisfies
// the coordinator's event publisher contract.
func (h *Hub) Publish(caseID, eventType string, payload map[string]any) {
	h.mu.Lock()
	h.broadcastLocked(caseID, "", Event{Type: eventType, Payload: payload})
	h.mu.Unlock()
}

func (h *Hub) broadcastLocked(caseID, exceptConnID string, ev Event) {
	for connID, sub := range h.byCase[caseID] {
		if connID == exceptConnID {
			continue
		}
		h.enqueueLocked(sub, ev)
	}
}

// enqueueLocked delivers without ever blocking: a full queue sheds its
// oldest message and gains one resync_required marker so a slow client
// knows its view has gaps.
func (h *Hub) enqueueLocked(sub *Subscriber, ev Event) {
	if sub.resyncPending && len(sub.C) == 0 {
		sub.resyncPending = false
	}
	select {
	case sub.C <- ev:
		return
	default:
	}
	select {
	case dropped := <-sub.C:
		// Never shed the marker itself; requeue it below.
		if dropped.Type == "resync_required" {
			sub.resyncPending = false
		}
	default:
	}
	if !sub.resyncPending {
		sub.resyncPending = true
		select {
		case sub.C <- Event{Type: "resync_required", Payload: map[string]any{"caseId": sub.CaseID}}:
		default:
			return
		}
	}
	select {
	case sub.C <- ev:
	default:
		h.logger.Debug("event shed for slow subscriber", "connId", sub.ConnID, "type", ev.Type)
	}
}

// Start launches the heartbeat sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.sweepStale()
			}
		}
	}()
}

func (h *Hub) sweepStale() {
	cutoff := h.now().UTC().Add(-h.timeout)
	h.mu.Lock()
	var stale []string
	for connID, entry := range h.presence {
		if entry.LastSeen.Before(cutoff) {
			stale = append(stale, connID)
		}
	}
	h.mu.Unlock()
	for _, connID := range stale {
		h.logger.Info("dropping silent connection", "connId", connID)
		h.Leave(connID)
	}
}

// Close stops the sweeper and disconnects everyone.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
	h.mu.Lock()
	var all []string
	for connID := range h.presence {
		all = append(all, connID)
	}
	h.mu.Unlock()
	for _, connID := range all {
		h.Leave(connID)
	}
}
