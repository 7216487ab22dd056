package infrastructure

import (
	"context"
	"sync"

	"adlens/internal/domain"
	"adlens/pkg/logger"
)

// MemoryStore keeps the credential, job snapshots and results in process
// memory. Data is lost on restart.
type MemoryStore struct {
	credential *domain.Credential
	jobs       map[string]*domain.ScrapeJob
	results    map[string][]domain.NormalizedAd
	mutex      sync.RWMutex
	logger     *logger.Logger
}

func NewMemoryStore(logger *logger.Logger) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.ScrapeJob),
		results: make(map[string][]domain.NormalizedAd),
		logger:  logger,
	}
}

func (r *MemoryStore) LoadCredential(ctx context.Context) (*domain.Credential, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.credential == nil {
		return nil, nil
	}
	c := r.credential.Copy()
	return &c, nil
}

func (r *MemoryStore) SaveCredential(ctx context.Context, cred domain.Credential) error {
	c := cred.Copy()

	r.mutex.Lock()
	r.credential = &c
	r.mutex.Unlock()

	r.logger.WithContext(ctx).WithField("credential", c.Redacted()).Info("Stored credential in memory")
	return nil
}

func (r *MemoryStore) SaveJobSnapshot(ctx context.Context, job *domain.ScrapeJob) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryStore) LoadJob(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (r *MemoryStore) SaveJobResults(ctx context.Context, id string, ads []domain.NormalizedAd) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.results[id] = append([]domain.NormalizedAd(nil), ads...)

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": id,
		"count":  len(ads),
	}).Info("Stored job results in memory")
	return nil
}

func (r *MemoryStore) LoadJobResults(ctx context.Context, id string) ([]domain.NormalizedAd, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ads, ok := r.results[id]
	if !ok {
		return nil, nil
	}
	return append([]domain.NormalizedAd(nil), ads...), nil
}

func (r *MemoryStore) Close() error {
	return nil
}
