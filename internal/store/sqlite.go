// Package store persists learned servicer intelligence in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// ErrDuplicateRecord is returned by InsertRecord when a record with the same
// (servicer_id, signature) already exists. Callers treat it as a
// concurrent-writer signal and fall back to GetRecord/UpdateRecord.
var ErrDuplicateRecord = errors.New("intelligence record already exists")

// Store persists aggregated intelligence records plus the raw, append-only
// pattern log.
type Store struct {
	sqlDB *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS servicer_intelligence (
	id TEXT PRIMARY KEY,
	servicer_id TEXT NOT NULL,
	intelligence_type TEXT NOT NULL,
	signature TEXT NOT NULL,
	description TEXT NOT NULL,
	pattern_json TEXT NOT NULL,
	evidence_json TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL,
	occurrences INTEGER NOT NULL,
	impact REAL NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL,
	UNIQUE(servicer_id, signature)
);

CREATE INDEX IF NOT EXISTS idx_intel_servicer ON servicer_intelligence(servicer_id);

CREATE TABLE IF NOT EXISTS pattern_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	servicer_id TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	pattern_type TEXT NOT NULL,
	signature TEXT NOT NULL,
	pattern_json TEXT NOT NULL,
	outcome_status TEXT NOT NULL,
	observed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pattern_log_servicer ON pattern_log(servicer_id, observed_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if necessary) a SQLite-backed intelligence store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetRecord fetches the intelligence record for (servicerID, signature).
// The second return value reports whether a record exists.
func (s *Store) GetRecord(ctx context.Context, servicerID, signature string) (models.IntelligenceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.IntelligenceRecord{}, false, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, servicer_id, intelligence_type, signature, description,
		       pattern_json, evidence_json, confidence, occurrences, impact, last_seen
		FROM servicer_intelligence
		WHERE servicer_id = ? AND signature = ?`,
		servicerID, signature)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IntelligenceRecord{}, false, nil
	}
	if err != nil {
		return models.IntelligenceRecord{}, false, fmt.Errorf("get record: %w", err)
	}
	return rec, true, nil
}

// InsertRecord stores a brand-new intelligence record. It returns
// ErrDuplicateRecord when a record with the same (servicer_id, signature)
// already exists.
func (s *Store) InsertRecord(ctx context.Context, rec models.IntelligenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	patternJSON, evidenceJSON, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO servicer_intelligence
			(id, servicer_id, intelligence_type, signature, description,
			 pattern_json, evidence_json, confidence, occurrences, impact, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ServicerID, string(rec.Type), rec.Signature, rec.Description,
		patternJSON, evidenceJSON, rec.Confidence, rec.Occurrences, rec.Impact, toMillis(rec.LastSeen))
	if err != nil {
		// modernc.org/sqlite reports constraint violations by message only.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert record %s/%s: %w", rec.ServicerID, rec.Signature, ErrDuplicateRecord)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// UpdateRecord rewrites a record guarded by an occurrence-count compare and
// swap. It returns false when another writer advanced the record first; the
// caller re-reads and retries so no observation is silently lost.
func (s *Store) UpdateRecord(ctx context.Context, rec models.IntelligenceRecord, expectedOccurrences int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	patternJSON, evidenceJSON, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
		UPDATE servicer_intelligence
		SET confidence = ?, occurrences = ?, evidence_json = ?, pattern_json = ?,
		    description = ?, impact = ?, last_seen = ?
		WHERE servicer_id = ? AND signature = ? AND occurrences = ?`,
		rec.Confidence, rec.Occurrences, evidenceJSON, patternJSON,
		rec.Description, rec.Impact, toMillis(rec.LastSeen),
		rec.ServicerID, rec.Signature, expectedOccurrences)
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update record rows: %w", err)
	}
	return affected == 1, nil
}

// ListRecords returns all intelligence for a servicer ordered by confidence
// descending. This is the read feeding recommendation generation.
func (s *Store) ListRecords(ctx context.Context, servicerID string) ([]models.IntelligenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, servicer_id, intelligence_type, signature, description,
		       pattern_json, evidence_json, confidence, occurrences, impact, last_seen
		FROM servicer_intelligence
		WHERE servicer_id = ?
		ORDER BY confidence DESC, occurrences DESC`,
		servicerID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []models.IntelligenceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// AppendLog writes one extraction batch, unaggregated, to the raw pattern log.
func (s *Store) AppendLog(ctx context.Context, servicerID, submissionID string, patterns []models.Pattern, status models.OutcomeStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(patterns) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	for _, p := range patterns {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode pattern: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_log
				(servicer_id, submission_id, pattern_type, signature, pattern_json, outcome_status, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			servicerID, submissionID, string(p.Type), p.Signature(), string(payload), string(status), now); err != nil {
			return fmt.Errorf("append pattern log: %w", err)
		}
	}
	return tx.Commit()
}

// LogCount returns the number of raw log entries for a servicer.
func (s *Store) LogCount(ctx context.Context, servicerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pattern_log WHERE servicer_id = ?`, servicerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pattern log: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.IntelligenceRecord, error) {
	var (
		rec          models.IntelligenceRecord
		intelType    string
		patternJSON  string
		evidenceJSON string
		lastSeen     int64
	)
	err := row.Scan(&rec.ID, &rec.ServicerID, &intelType, &rec.Signature, &rec.Description,
		&patternJSON, &evidenceJSON, &rec.Confidence, &rec.Occurrences, &rec.Impact, &lastSeen)
	if err != nil {
		return models.IntelligenceRecord{}, err
	}

	rec.Type = models.IntelligenceType(intelType)
	rec.LastSeen = fromMillis(lastSeen)
	if err := json.Unmarshal([]byte(patternJSON), &rec.Pattern); err != nil {
		return models.IntelligenceRecord{}, fmt.Errorf("decode pattern payload: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &rec.Evidence); err != nil {
		return models.IntelligenceRecord{}, fmt.Errorf("decode evidence: %w", err)
	}
	return rec, nil
}

func encodeRecord(rec models.IntelligenceRecord) (patternJSON, evidenceJSON string, err error) {
	pattern, err := json.Marshal(rec.Pattern)
	if err != nil {
		return "", "", fmt.Errorf("encode pattern payload: %w", err)
	}
	evidence := rec.Evidence
	if evidence == nil {
		evidence = map[string]models.OutcomeStatus{}
	}
	ev, err := json.Marshal(evidence)
	if err != nil {
		return "", "", fmt.Errorf("encode evidence: %w", err)
	}
	return string(pattern), string(ev), nil
}
