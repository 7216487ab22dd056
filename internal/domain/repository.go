package domain

import (
	"context"
)

// interface for credential persistence; SaveCredential supersedes atomically
type CredentialStore interface {
	LoadCredential(ctx context.Context) (*Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
}

// interface for the durable job mirror; LoadJob returns (nil, nil) when the
// job is unknown
type JobStore interface {
	SaveJobSnapshot(ctx context.Context, job *ScrapeJob) error
	LoadJob(ctx context.Context, id string) (*ScrapeJob, error)
	SaveJobResults(ctx context.Context, id string, ads []NormalizedAd) error
	LoadJobResults(ctx context.Context, id string) ([]NormalizedAd, error)
}

// Store is a persistence backend serving both collaborators.
type Store interface {
	CredentialStore
	JobStore
	Close() error
}

// interface shared by the API and fallback strategies; the caller drives
// pagination by passing back NextCursor
type AdFetcher interface {
	Fetch(ctx context.Context, query JobQuery, cursor string) (*FetchPage, error)
}

// interface for provider token introspection and the ads-archive probe
type TokenInspector interface {
	InspectToken(ctx context.Context, token string) (*TokenInfo, error)
	ProbeAdLibrary(ctx context.Context, token string) error
}
