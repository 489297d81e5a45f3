package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/fingerprint"
)

// Dialect selects SQL syntax for a database/sql driver
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var schemas = map[Dialect][]string{
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS ocr_cache_entries (
			fingerprint CHAR(32) PRIMARY KEY,
			source_hint TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			hit_count   BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ocr_examples (
			id            BIGSERIAL PRIMARY KEY,
			document_type TEXT NOT NULL,
			example_text  TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS ocr_cache_entries (
			fingerprint CHAR(32) NOT NULL PRIMARY KEY,
			source_hint VARCHAR(1024) NOT NULL DEFAULT '',
			text        LONGTEXT NOT NULL,
			created_at  DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			hit_count   BIGINT NOT NULL DEFAULT 0
		) CHARACTER SET utf8mb4`,
		`CREATE TABLE IF NOT EXISTS ocr_examples (
			id            BIGINT AUTO_INCREMENT PRIMARY KEY,
			document_type VARCHAR(255) NOT NULL,
			example_text  LONGTEXT NOT NULL,
			created_at    DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) CHARACTER SET utf8mb4`,
	},
}

// SQLStore keeps the cache in PostgreSQL or MySQL
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore connects, configures the pool and creates the tables
func NewSQLStore(ctx context.Context, dialect Dialect, databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	dsn := databaseURL
	if dialect == DialectMySQL {
		cfg, err := mysql.ParseDSN(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, ocrerrors.NewCacheUnavailableError("connect", fmt.Errorf("failed to ping database: %w", err))
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cache schema: %w", err)
		}
	}
	return nil
}

// Lookup returns the cached text and increments hit_count in the same step
func (s *SQLStore) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error) {
	if s.dialect == DialectPostgres {
		var text string
		err := s.db.QueryRowContext(ctx,
			`UPDATE ocr_cache_entries SET hit_count = hit_count + 1 WHERE fingerprint = $1 RETURNING text`,
			fp.String()).Scan(&text)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
		}
		return text, true, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE ocr_cache_entries SET hit_count = hit_count + 1 WHERE fingerprint = ?`, fp.String())
	if err != nil {
		return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", false, nil
	}

	var text string
	if err := tx.QueryRowContext(ctx,
		`SELECT text FROM ocr_cache_entries WHERE fingerprint = ?`, fp.String()).Scan(&text); err != nil {
		return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, ocrerrors.NewCacheUnavailableError("lookup", err)
	}

	return text, true, nil
}

// Store upserts the entry; an overwrite resets hit_count and created_at
func (s *SQLStore) Store(ctx context.Context, fp fingerprint.Fingerprint, sourceHint, text string) error {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `
			INSERT INTO ocr_cache_entries (fingerprint, source_hint, text, created_at, hit_count)
			VALUES ($1, $2, $3, NOW(), 0)
			ON CONFLICT (fingerprint) DO UPDATE SET
				source_hint = EXCLUDED.source_hint,
				text = EXCLUDED.text,
				created_at = NOW(),
				hit_count = 0`
	case DialectMySQL:
		query = `
			INSERT INTO ocr_cache_entries (fingerprint, source_hint, text, created_at, hit_count)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP(6), 0)
			ON DUPLICATE KEY UPDATE
				source_hint = VALUES(source_hint),
				text = VALUES(text),
				created_at = CURRENT_TIMESTAMP(6),
				hit_count = 0`
	}

	if _, err := s.db.ExecContext(ctx, query, fp.String(), sourceHint, text); err != nil {
		return ocrerrors.NewCacheUnavailableError("store", err)
	}
	return nil
}

// Entry reads an entry without counting a hit
func (s *SQLStore) Entry(ctx context.Context, fp fingerprint.Fingerprint) (*CacheEntry, error) {
	query := `SELECT source_hint, text, created_at, hit_count FROM ocr_cache_entries WHERE fingerprint = $1`
	if s.dialect == DialectMySQL {
		query = `SELECT source_hint, text, created_at, hit_count FROM ocr_cache_entries WHERE fingerprint = ?`
	}

	e := &CacheEntry{Fingerprint: fp}
	err := s.db.QueryRowContext(ctx, query, fp.String()).Scan(&e.SourceHint, &e.Text, &e.CreatedAt, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ocrerrors.NewCacheUnavailableError("entry", err)
	}
	return e, nil
}

func (s *SQLStore) Stats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM ocr_cache_entries`).
		Scan(&stats.EntryCount, &stats.TotalHits)
	if err != nil {
		return stats, ocrerrors.NewCacheUnavailableError("stats", err)
	}
	return stats, nil
}

// Clear removes every cache entry; examples are kept
func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ocr_cache_entries`); err != nil {
		return ocrerrors.NewCacheUnavailableError("clear", err)
	}
	return nil
}

func (s *SQLStore) AddExample(ctx context.Context, documentType, text string) error {
	query := `INSERT INTO ocr_examples (document_type, example_text) VALUES ($1, $2)`
	if s.dialect == DialectMySQL {
		query = `INSERT INTO ocr_examples (document_type, example_text) VALUES (?, ?)`
	}

	if _, err := s.db.ExecContext(ctx, query, documentType, text); err != nil {
		return fmt.Errorf("failed to add example: %w", err)
	}
	return nil
}

// ListExamples returns the newest examples first; an empty documentType matches all
func (s *SQLStore) ListExamples(ctx context.Context, documentType string, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, document_type, example_text, created_at FROM ocr_examples
		WHERE ($1 = '' OR document_type = $1)
		ORDER BY id DESC LIMIT $2`
	args := []interface{}{documentType, limit}
	if s.dialect == DialectMySQL {
		query = `
			SELECT id, document_type, example_text, created_at FROM ocr_examples
			WHERE (? = '' OR document_type = ?)
			ORDER BY id DESC LIMIT ?`
		args = []interface{}{documentType, documentType, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		var e Example
		if err := rows.Scan(&e.ID, &e.DocumentType, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}
