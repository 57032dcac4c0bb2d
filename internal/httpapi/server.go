package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casevault/evidencesync/internal/evidence"
	"github.com/casevault/evidencesync/internal/hub"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	vault       evidence.VaultStore
	ledger      *evidence.Ledger
	blobs       evidence.BlobStore
	broker      *evidence.Broker
	scheduler   *evidence.Scheduler
	hub         *hub.Hub
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ServerDeps struct {
	Vault     evidence.VaultStore
	Ledger    *evidence.Ledger
	Blobs     evidence.BlobStore
	Broker    *evidence.Broker
	Scheduler *evidence.Scheduler
	Hub       *hub.Hub
	Logger    *slog.Logger
}

func NewServer(deps ServerDeps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		vault:       deps.Vault,
		ledger:      deps.Ledger,
		blobs:       deps.Blobs,
		broker:      deps.Broker,
		scheduler:   deps.Scheduler,
		hub:         deps.Hub,
		cfg:         cfg,
		logger:      deps.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Editor save callbacks authenticate with HMAC headers, not a bearer
	// token.
	if r.URL.Path == "/v1/evidence/edit-callback" && r.Method == http.MethodPost {
		s.handleEditCallback(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredRole string
	var route string
	switch {
	case len(parts) == 4 && parts[1] == "cases" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredRole = roleInvestigator
		route = "trigger_sync"
	case len(parts) == 5 && parts[1] == "cases" && parts[3] == "sync" && parts[4] == "runs" && r.Method == http.MethodGet:
		requiredRole = roleViewer
		route = "list_runs"
	case len(parts) == 6 && parts[1] == "cases" && parts[3] == "sync" && parts[4] == "runs" && r.Method == http.MethodGet:
		requiredRole = roleViewer
		route = "get_run"
	case len(parts) == 4 && parts[1] == "cases" && parts[3] == "evidence" && r.Method == http.MethodPost:
		requiredRole = roleInvestigator
		route = "register_evidence"
	case len(parts) == 4 && parts[1] == "cases" && parts[3] == "evidence" && r.Method == http.MethodGet:
		requiredRole = roleViewer
		route = "list_evidence"
	case len(parts) == 4 && parts[1] == "cases" && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredRole = roleViewer
		route = "stream"
	case len(parts) == 4 && parts[1] == "evidence" && parts[3] == "edit-session" && r.Method == http.MethodPost:
		requiredRole = roleInvestigator
		route = "open_session"
	case len(parts) == 4 && parts[1] == "evidence" && parts[3] == "history" && r.Method == http.MethodGet:
		requiredRole = roleViewer
		route = "history"
	case len(parts) == 3 && parts[1] == "evidence" && r.Method == http.MethodDelete:
		requiredRole = roleInvestigator
		route = "delete_evidence"
	case len(parts) == 4 && parts[1] == "edit-sessions" && parts[3] == "abort" && r.Method == http.MethodPost:
		requiredRole = roleInvestigator
		route = "abort_session"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := s.authorize(r, requiredRole)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && route != "stream" {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "trigger_sync":
		s.handleTriggerSync(w, r, parts[2], correlationID)
	case "list_runs":
		s.handleListRuns(w, r, parts[2], correlationID)
	case "get_run":
		s.handleGetRun(w, r, parts[2], parts[5], correlationID)
	case "register_evidence":
		s.handleRegisterEvidence(w, r, parts[2], correlationID)
	case "list_evidence":
		s.handleListEvidence(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, parts[2], claims)
	case "open_session":
		s.handleOpenSession(w, r, parts[2], claims, correlationID)
	case "history":
		s.handleHistory(w, r, parts[2], correlationID)
	case "delete_evidence":
		s.handleDeleteEvidence(w, r, parts[2], correlationID)
	case "abort_session":
		s.handleAbortSession(w, r, parts[2], claims, correlationID)
	}
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	runID, err := s.scheduler.Trigger(r.Context(), caseID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	runs, err := s.vault.ListRuns(r.Context(), caseID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, caseID, runID, correlationID string) {
	run, err := s.vault.GetRun(r.Context(), caseID, runID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type registerEvidenceRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

func (s *Server) handleRegisterEvidence(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	var req registerEvidenceRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "fileName is required", correlationID)
		return
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}
	fingerprint := s.ledger.Compute(req.Content)
	rec := evidence.EvidenceRecord{
		CaseID:      caseID,
		EvidenceID:  uuid.NewString(),
		FileName:    req.FileName,
		CurrentHash: fingerprint,
		Size:        int64(len(req.Content)),
		MimeType:    req.MimeType,
		SyncState:   evidence.SyncStateUnsynced,
		Version:     1,
		UpdatedAt:   time.Now().UTC(),
	}
	ctx := r.Context()
	if err := s.blobs.Put(ctx, evidence.BlobKey(rec.EvidenceID, rec.Version), req.Content); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if err := s.vault.PutEvidence(ctx, rec); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if err := s.ledger.Record(ctx, rec.EvidenceID, fingerprint, rec.Version); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	records, err := s.vault.ListEvidence(r.Context(), caseID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": records})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request, evidenceID string, claims *bearerClaims, correlationID string) {
	desc, err := s.broker.Open(r.Context(), evidenceID, claims.UserID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

type editCallbackRequest struct {
	SessionID string `json:"sessionId"`
	Content   []byte `json:"content"`
}

func (s *Server) handleEditCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	signature := r.Header.Get("X-Callback-Signature")
	timestampRaw := r.Header.Get("X-Callback-Timestamp")
	unix, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "missing or malformed callback timestamp", correlationID)
		return
	}
	var req editCallbackRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	session, err := s.broker.HandleSaveCallback(r.Context(), evidence.SaveCallback{
		SessionID: req.SessionID,
		Content:   req.Content,
		Signature: signature,
		SignedAt:  time.Unix(unix, 0),
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, evidenceID, correlationID string) {
	trail, err := s.ledger.History(r.Context(), evidenceID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": trail})
}

// handleDeleteEvidence flags the record; the next reconciliation run
// removes the mirror object and then the record itself.
func (s *Server) handleDeleteEvidence(w http.ResponseWriter, r *http.Request, evidenceID, correlationID string) {
	ctx := r.Context()
	rec, err := s.vault.GetEvidence(ctx, evidenceID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	rec.PendingDelete = true
	if err := s.vault.UpdateEvidence(ctx, rec, rec.Version); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if _, err := s.scheduler.Trigger(ctx, rec.CaseID); err != nil {
		s.logger.Warn("sync trigger after delete", "caseId", rec.CaseID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"evidenceId": evidenceID, "status": "delete_pending"})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request, sessionID string, claims *bearerClaims, correlationID string) {
	session, err := s.broker.Abort(r.Context(), sessionID, claims.UserID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// writeDomainError maps the shared error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, evidence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrLocked):
		writeError(w, http.StatusConflict, "locked", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrExpired):
		writeError(w, http.StatusGone, "session_expired", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, evidence.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
