package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEvidenceTableName = "evidencesync_records"
	postgresRunTableName      = "evidencesync_runs"
	postgresLedgerTableName   = "evidencesync_ledger"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresVaultStore backs the vault with Postgres. Optimistic version
// checks ride on a conditional UPDATE; no row lock is held between read
// and write.
type PostgresVaultStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresVaultStore(dsn string) (*PostgresVaultStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresVaultStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresVaultStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					evidence_id TEXT PRIMARY KEY,
					case_id TEXT NOT NULL,
					file_name TEXT NOT NULL,
					current_hash TEXT NOT NULL,
					size BIGINT NOT NULL,
					mime_type TEXT NOT NULL,
					mirror_path TEXT,
					sync_state TEXT NOT NULL,
					pending_delete BOOLEAN NOT NULL DEFAULT FALSE,
					version BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(postgresEvidenceTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					run_id TEXT PRIMARY KEY,
					case_id TEXT NOT NULL,
					started_at TIMESTAMPTZ NOT NULL,
					payload TEXT NOT NULL
				)`, postgresQuoteIdentifier(postgresRunTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					evidence_id TEXT NOT NULL,
					version BIGINT NOT NULL,
					fingerprint TEXT NOT NULL,
					recorded_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (evidence_id, version)
				)`, postgresQuoteIdentifier(postgresLedgerTableName)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresVaultStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

const evidenceColumns = "evidence_id, case_id, file_name, current_hash, size, mime_type, COALESCE(mirror_path, ''), sync_state, pending_delete, version, updated_at"

func scanEvidence(row interface{ Scan(...any) error }) (EvidenceRecord, error) {
	var rec EvidenceRecord
	var state string
	err := row.Scan(&rec.EvidenceID, &rec.CaseID, &rec.FileName, &rec.CurrentHash,
		&rec.Size, &rec.MimeType, &rec.MirrorPath, &state, &rec.PendingDelete,
		&rec.Version, &rec.UpdatedAt)
	if err != nil {
		return EvidenceRecord{}, err
	}
	rec.SyncState = SyncState(state)
	return rec, nil
}

func (s *PostgresVaultStore) GetEvidence(ctx context.Context, evidenceID string) (EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return EvidenceRecord{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE evidence_id = $1",
		evidenceColumns, postgresQuoteIdentifier(postgresEvidenceTableName))
	rec, err := scanEvidence(s.db.QueryRowContext(ctx, query, evidenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresVaultStore) ListEvidence(ctx context.Context, caseID string) ([]EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE case_id = $1 ORDER BY evidence_id",
		evidenceColumns, postgresQuoteIdentifier(postgresEvidenceTableName))
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]EvidenceRecord, 0)
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresVaultStore) PutEvidence(ctx context.Context, rec EvidenceRecord) error {
	if strings.TrimSpace(rec.EvidenceID) == "" {
		return invalidInput("evidence id is required")
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (evidence_id, case_id, file_name, current_hash, size, mime_type, mirror_path, sync_state, pending_delete, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		ON CONFLICT (evidence_id) DO UPDATE SET
			case_id = EXCLUDED.case_id,
			file_name = EXCLUDED.file_name,
			current_hash = EXCLUDED.current_hash,
			size = EXCLUDED.size,
			mime_type = EXCLUDED.mime_type,
			mirror_path = EXCLUDED.mirror_path,
			sync_state = EXCLUDED.sync_state,
			pending_delete = EXCLUDED.pending_delete,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		postgresQuoteIdentifier(postgresEvidenceTableName))
	_, err := s.db.ExecContext(ctx, query,
		rec.EvidenceID, rec.CaseID, rec.FileName, rec.CurrentHash, rec.Size,
		rec.MimeType, rec.MirrorPath, string(rec.SyncState), rec.PendingDelete,
		rec.Version, rec.UpdatedAt)
	return err
}

func (s *PostgresVaultStore) UpdateEvidence(ctx context.Context, rec EvidenceRecord, expectedVersion int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET
			case_id = $2, file_name = $3, current_hash = $4, size = $5,
			mime_type = $6, mirror_path = NULLIF($7, ''), sync_state = $8,
			pending_delete = $9, version = $10, updated_at = $11
		WHERE evidence_id = $1 AND version = $12`,
		postgresQuoteIdentifier(postgresEvidenceTableName))
	res, err := s.db.ExecContext(ctx, query,
		rec.EvidenceID, rec.CaseID, rec.FileName, rec.CurrentHash, rec.Size,
		rec.MimeType, rec.MirrorPath, string(rec.SyncState), rec.PendingDelete,
		rec.Version, rec.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	current, err := s.GetEvidence(ctx, rec.EvidenceID)
	if err != nil {
		return err
	}
	return &VersionConflictError{
		EvidenceID:      rec.EvidenceID,
		ExpectedVersion: expectedVersion,
		CurrentVersion:  current.Version,
	}
}

func (s *PostgresVaultStore) DeleteEvidence(ctx context.Context, evidenceID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE evidence_id = $1",
		postgresQuoteIdentifier(postgresEvidenceTableName))
	res, err := s.db.ExecContext(ctx, query, evidenceID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresVaultStore) SaveRun(ctx context.Context, run SyncRun) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, case_id, started_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET payload = EXCLUDED.payload`,
		postgresQuoteIdentifier(postgresRunTableName))
	_, err = s.db.ExecContext(ctx, query, run.RunID, run.CaseID, run.StartedAt, string(payload))
	return err
}

func (s *PostgresVaultStore) GetRun(ctx context.Context, caseID, runID string) (SyncRun, error) {
	if err := s.ensureReady(); err != nil {
		return SyncRun{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE run_id = $1 AND case_id = $2",
		postgresQuoteIdentifier(postgresRunTableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, runID, caseID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, ErrNotFound
	}
	if err != nil {
		return SyncRun{}, err
	}
	var run SyncRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return SyncRun{}, err
	}
	return run, nil
}

func (s *PostgresVaultStore) ListRuns(ctx context.Context, caseID string) ([]SyncRun, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE case_id = $1 ORDER BY started_at",
		postgresQuoteIdentifier(postgresRunTableName))
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SyncRun, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run SyncRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresVaultStore) ListCaseIDs(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT DISTINCT case_id FROM %s ORDER BY case_id",
		postgresQuoteIdentifier(postgresEvidenceTableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var caseID string
		if err := rows.Scan(&caseID); err != nil {
			return nil, err
		}
		out = append(out, caseID)
	}
	return out, rows.Err()
}

func (s *PostgresVaultStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PostgresLedgerStore persists the append-only version trail.
type PostgresLedgerStore struct {
	vault *PostgresVaultStore
}

// NewPostgresLedgerStore shares the vault store's connection and schema
// bootstrap.
func NewPostgresLedgerStore(vault *PostgresVaultStore) *PostgresLedgerStore {
	return &PostgresLedgerStore{vault: vault}
}

func (s *PostgresLedgerStore) Append(ctx context.Context, entry LedgerEntry) error {
	if err := s.vault.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.vault.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (evidence_id, version, fingerprint, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (evidence_id, version) DO NOTHING`,
		postgresQuoteIdentifier(postgresLedgerTableName))
	_, err := s.vault.db.ExecContext(ctx, query,
		entry.EvidenceID, entry.Version, entry.Fingerprint, entry.RecordedAt)
	return err
}

func (s *PostgresLedgerStore) Latest(ctx context.Context, evidenceID string) (LedgerEntry, error) {
	if err := s.vault.ensureReady(); err != nil {
		return LedgerEntry{}, err
	}
	ctx, cancel := s.vault.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT evidence_id, version, fingerprint, recorded_at FROM %s
		WHERE evidence_id = $1 ORDER BY version DESC LIMIT 1`,
		postgresQuoteIdentifier(postgresLedgerTableName))
	var entry LedgerEntry
	err := s.vault.db.QueryRowContext(ctx, query, evidenceID).
		Scan(&entry.EvidenceID, &entry.Version, &entry.Fingerprint, &entry.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	return entry, err
}

func (s *PostgresLedgerStore) History(ctx context.Context, evidenceID string) ([]LedgerEntry, error) {
	if err := s.vault.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.vault.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT evidence_id, version, fingerprint, recorded_at FROM %s
		WHERE evidence_id = $1 ORDER BY version`,
		postgresQuoteIdentifier(postgresLedgerTableName))
	rows, err := s.vault.db.QueryContext(ctx, query, evidenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LedgerEntry, 0)
	for rows.Next() {
		var entry LedgerEntry
		if err := rows.Scan(&entry.EvidenceID, &entry.Version, &entry.Fingerprint, &entry.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
