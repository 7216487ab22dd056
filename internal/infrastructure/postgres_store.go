package infrastructure

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"adlens/internal/domain"
	"adlens/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

// rows per pgx batch when writing job results
const resultBatchSize = 200

// PostgresStore persists the same data as SQLiteStore on a shared Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int, logger *logger.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	for _, stmt := range strings.Split(postgresSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
		}
	}

	logger.Info("Opened postgres store")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) LoadCredential(ctx context.Context) (*domain.Credential, error) {
	var token string
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT token, payload FROM adlens_credentials WHERE id = 1`).Scan(&token, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	cred.Token = token
	return &cred, nil
}

func (s *PostgresStore) SaveCredential(ctx context.Context, cred domain.Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO adlens_credentials (id, token, payload, updated_at) VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, payload = EXCLUDED.payload, updated_at = now()`,
		cred.Token, payload)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	s.logger.WithContext(ctx).WithField("credential", cred.Redacted()).Info("Stored credential")
	return nil
}

func (s *PostgresStore) SaveJobSnapshot(ctx context.Context, job *domain.ScrapeJob) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO adlens_jobs (id, state, created_at, snapshot, updated_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, snapshot = EXCLUDED.snapshot, updated_at = now()`,
		job.ID, string(job.State), job.CreatedAt, snapshot)
	if err != nil {
		return fmt.Errorf("failed to save job snapshot %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadJob(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM adlens_jobs WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job domain.ScrapeJob
	if err := json.Unmarshal(snapshot, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// SaveJobResults replaces a job's result rows inside one transaction,
// writing ads in batches.
func (s *PostgresStore) SaveJobResults(ctx context.Context, id string, ads []domain.NormalizedAd) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM adlens_job_results WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear results for job %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO adlens_job_results (job_id, ad_count, saved_at) VALUES ($1, $2, now())`, id, len(ads)); err != nil {
		return fmt.Errorf("failed to save results header for job %s: %w", id, err)
	}

	for i := 0; i < len(ads); i += resultBatchSize {
		j := min(i+resultBatchSize, len(ads))
		b := &pgx.Batch{}
		for k, ad := range ads[i:j] {
			payload, err := json.Marshal(ad)
			if err != nil {
				return fmt.Errorf("failed to encode ad %s: %w", ad.ID, err)
			}
			b.Queue(`INSERT INTO adlens_job_ads (job_id, seq, ad_id, page_name, ad) VALUES ($1, $2, $3, $4, $5)`,
				id, i+k, ad.ID, ad.PageName, payload)
		}
		br := tx.SendBatch(ctx, b)
		for k := 0; k < j-i; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to save ads for job %s: %w", id, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to save ads for job %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit results for job %s: %w", id, err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": id,
		"count":  len(ads),
	}).Info("Stored job results")
	return nil
}

func (s *PostgresStore) LoadJobResults(ctx context.Context, id string) ([]domain.NormalizedAd, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT ad_count FROM adlens_job_results WHERE job_id = $1`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load results for job %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT ad FROM adlens_job_ads WHERE job_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load ads for job %s: %w", id, err)
	}
	defer rows.Close()

	ads := make([]domain.NormalizedAd, 0, count)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan ad for job %s: %w", id, err)
		}
		var ad domain.NormalizedAd
		if err := json.Unmarshal(payload, &ad); err != nil {
			return nil, fmt.Errorf("failed to decode ad for job %s: %w", id, err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ads for job %s: %w", id, err)
	}
	return ads, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
