package infrastructure

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/logger"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore persists the credential, job snapshots and results in a single
// SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// opens (creating if needed) the database at path and applies the schema
func NewSQLiteStore(path string, logger *logger.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// single writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Info("Opened sqlite store")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func applySQLiteSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCredential(ctx context.Context) (*domain.Credential, error) {
	var token, payload string
	err := s.db.QueryRowContext(ctx, `SELECT token, payload FROM credentials WHERE id = 1`).Scan(&token, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal([]byte(payload), &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	cred.Token = token
	return &cred, nil
}

// SaveCredential replaces the single credential row in one statement.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred domain.Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, token, payload, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, payload = excluded.payload, updated_at = excluded.updated_at`,
		cred.Token, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	s.logger.WithContext(ctx).WithField("credential", cred.Redacted()).Info("Stored credential")
	return nil
}

func (s *SQLiteStore) SaveJobSnapshot(ctx context.Context, job *domain.ScrapeJob) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, state, created_at, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		job.ID, string(job.State), job.CreatedAt.UTC().Format(time.RFC3339Nano), string(snapshot),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save job snapshot %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadJob(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM jobs WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job domain.ScrapeJob
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLiteStore) SaveJobResults(ctx context.Context, id string, ads []domain.NormalizedAd) error {
	payload, err := json.Marshal(ads)
	if err != nil {
		return fmt.Errorf("failed to encode job results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, ad_count, ads, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET ad_count = excluded.ad_count, ads = excluded.ads, saved_at = excluded.saved_at`,
		id, len(ads), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save results for job %s: %w", id, err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": id,
		"count":  len(ads),
	}).Info("Stored job results")
	return nil
}

func (s *SQLiteStore) LoadJobResults(ctx context.Context, id string) ([]domain.NormalizedAd, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT ads FROM job_results WHERE job_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load results for job %s: %w", id, err)
	}

	var ads []domain.NormalizedAd
	if err := json.Unmarshal([]byte(payload), &ads); err != nil {
		return nil, fmt.Errorf("failed to decode results for job %s: %w", id, err)
	}
	return ads, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
