/**
 * PostgreSQL Client for the page OCR worker
 *
 * Persists the job ledger: one row per job with its lifecycle status and one
 * row per recognized page with its quality metrics and decision metadata.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID        int64
	Status       string
	PagesTotal   int
	PagesDone    int
	ErrorCode    string
	ErrorMessage string
	Metadata     map[string]interface{}
}

// PageRecord is one recognized page
type PageRecord struct {
	ID              uuid.UUID
	JobID           int64
	PageIndex       int
	Text            string
	CharCount       int
	NumLines        int
	AlphaRatio      float64
	MeanConfidence  *float64
	LowConfFraction float64
	MaskReason      string
	MaskedCount     int
	CropApplied     bool
	CropReason      string
	Warnings        []string
	Metadata        map[string]interface{}
}

// schema is applied by EnsureSchema
const schema = `
	CREATE SCHEMA IF NOT EXISTS docprep;

	CREATE TABLE IF NOT EXISTS docprep.ocr_jobs (
		job_id        BIGINT PRIMARY KEY,
		status        TEXT NOT NULL,
		pages_total   INTEGER NOT NULL DEFAULT 0,
		pages_done    INTEGER NOT NULL DEFAULT 0,
		error_code    TEXT,
		error_message TEXT,
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS docprep.ocr_pages (
		id                UUID PRIMARY KEY,
		job_id            BIGINT NOT NULL REFERENCES docprep.ocr_jobs(job_id) ON DELETE CASCADE,
		page_index        INTEGER NOT NULL,
		text              TEXT NOT NULL,
		char_count        INTEGER NOT NULL,
		num_lines         INTEGER NOT NULL,
		alpha_ratio       NUMERIC(5,4) NOT NULL,
		mean_confidence   NUMERIC(6,2),
		low_conf_fraction NUMERIC(5,4) NOT NULL,
		mask_reason       TEXT,
		masked_count      INTEGER NOT NULL DEFAULT 0,
		crop_applied      BOOLEAN NOT NULL DEFAULT FALSE,
		crop_reason       TEXT,
		warnings          TEXT[] NOT NULL DEFAULT '{}',
		metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, page_index)
	);
`

// sanitizeConfidence clamps an engine confidence to [0,100] and rounds it
// to 2 decimals so it fits NUMERIC(6,2)
func sanitizeConfidence(confidence *float64) *float64 {
	if confidence == nil || math.IsNaN(*confidence) {
		return nil
	}
	c := math.Min(100, math.Max(0, *confidence))
	c = math.Round(c*100) / 100
	return &c
}

// sanitizeRatio clamps a ratio to [0,1] with 4 decimals
func sanitizeRatio(r float64) float64 {
	if math.IsNaN(r) {
		return 0
	}
	r = math.Min(1, math.Max(0, r))
	return math.Round(r*10000) / 10000
}

var nullEscape = regexp.MustCompile(`\\u0000`)

// sanitizeJSONForPostgres removes \u0000 escapes, which JSONB rejects
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	return nullEscape.ReplaceAll(jsonBytes, []byte{})
}

// sanitizeText removes NUL bytes, which TEXT columns reject
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the ledger tables if they do not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

// UpsertJob creates or updates a job row
func (p *PostgresClient) UpsertJob(ctx context.Context, update *JobUpdate) error {
	if update.JobID <= 0 {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = nil
	}

	query := `
		INSERT INTO docprep.ocr_jobs (
			job_id, status, pages_total, pages_done,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''),
			COALESCE($7::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			pages_total = GREATEST(EXCLUDED.pages_total, docprep.ocr_jobs.pages_total),
			pages_done = GREATEST(EXCLUDED.pages_done, docprep.ocr_jobs.pages_done),
			error_code = COALESCE(EXCLUDED.error_code, docprep.ocr_jobs.error_code),
			error_message = COALESCE(EXCLUDED.error_message, docprep.ocr_jobs.error_message),
			metadata = docprep.ocr_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,        // $1
		update.Status,       // $2
		update.PagesTotal,   // $3
		update.PagesDone,    // $4
		update.ErrorCode,    // $5
		update.ErrorMessage, // $6
		nullableJSON(sanitizeJSONForPostgres(metadataJSON)), // $7
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job (job=%d, status=%s): %w", update.JobID, update.Status, err)
	}
	return nil
}

// InsertPage stores a page row. Re-running a page replaces its row.
func (p *PostgresClient) InsertPage(ctx context.Context, rec *PageRecord) error {
	if rec.JobID <= 0 {
		return fmt.Errorf("job ID is required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		metadataJSON = nil
	}
	warnings := rec.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	query := `
		INSERT INTO docprep.ocr_pages (
			id, job_id, page_index, text, char_count, num_lines,
			alpha_ratio, mean_confidence, low_conf_fraction,
			mask_reason, masked_count, crop_applied, crop_reason,
			warnings, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(5,4), $8::NUMERIC(6,2), $9::NUMERIC(5,4),
			NULLIF($10, ''), $11, $12, NULLIF($13, ''),
			$14, COALESCE($15::jsonb, '{}'::jsonb), NOW()
		)
		ON CONFLICT (job_id, page_index) DO UPDATE SET
			text = EXCLUDED.text,
			char_count = EXCLUDED.char_count,
			num_lines = EXCLUDED.num_lines,
			alpha_ratio = EXCLUDED.alpha_ratio,
			mean_confidence = EXCLUDED.mean_confidence,
			low_conf_fraction = EXCLUDED.low_conf_fraction,
			mask_reason = EXCLUDED.mask_reason,
			masked_count = EXCLUDED.masked_count,
			crop_applied = EXCLUDED.crop_applied,
			crop_reason = EXCLUDED.crop_reason,
			warnings = EXCLUDED.warnings,
			metadata = EXCLUDED.metadata
	`

	_, err = p.db.ExecContext(ctx, query,
		rec.ID,
		rec.JobID,
		rec.PageIndex,
		sanitizeText(rec.Text),
		rec.CharCount,
		rec.NumLines,
		sanitizeRatio(rec.AlphaRatio),
		sanitizeConfidence(rec.MeanConfidence),
		sanitizeRatio(rec.LowConfFraction),
		rec.MaskReason,
		rec.MaskedCount,
		rec.CropApplied,
		rec.CropReason,
		pq.Array(warnings),
		nullableJSON(sanitizeJSONForPostgres(metadataJSON)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert page (job=%d, page=%d): %w", rec.JobID, rec.PageIndex, err)
	}
	return nil
}

// GetJobByID retrieves a job row
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID int64) (map[string]interface{}, error) {
	query := `
		SELECT job_id, status, pages_total, pages_done,
			error_code, error_message, metadata, created_at, updated_at
		FROM docprep.ocr_jobs
		WHERE job_id = $1
	`

	var (
		id                      int64
		status                  string
		pagesTotal, pagesDone   int
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
		createdAt, updatedAt    time.Time
	)
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &status, &pagesTotal, &pagesDone,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %d", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"jobId":      id,
		"status":     status,
		"pagesTotal": pagesTotal,
		"pagesDone":  pagesDone,
		"metadata":   metadata,
		"createdAt":  createdAt,
		"updatedAt":  updatedAt,
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}
	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
