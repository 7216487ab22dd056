package usecase

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"
)

// provider access tokens are URL-safe opaque strings
var tokenShape = regexp.MustCompile(`^[A-Za-z0-9|_\-.]+$`)

// provider error code/subcode for an expired session
const (
	codeOAuth       = 190
	subcodeExpired  = 463
	subcodeExpired2 = 467
)

// CredentialService validates, stores and reports on the provider credential.
// The stored value is swapped atomically; readers always get a copy.
type CredentialService struct {
	inspector domain.TokenInspector
	store     domain.CredentialStore
	logger    *logger.Logger
	metrics   *metrics.Metrics
	minLength int
	now       func() time.Time

	current atomic.Pointer[domain.Credential]
	// serialises store/revalidate so the persisted and in-memory values agree
	writeMu sync.Mutex
}

func NewCredentialService(inspector domain.TokenInspector, store domain.CredentialStore, minLength int, logger *logger.Logger, metrics *metrics.Metrics) *CredentialService {
	if minLength <= 0 {
		minLength = 50
	}
	return &CredentialService{
		inspector: inspector,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		minLength: minLength,
		now:       time.Now,
	}
}

// Validate checks candidate locally, then with the provider.
func (s *CredentialService) Validate(ctx context.Context, candidate string) domain.ValidationResult {
	res := s.validate(ctx, candidate)
	s.metrics.RecordCredentialValidation(string(res.Status))

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"credential": domain.RedactToken(candidate),
		"status":     res.Status,
		"has_access": res.HasAdLibraryAccess,
	}).Info("Validated credential")
	return res
}

func (s *CredentialService) validate(ctx context.Context, candidate string) domain.ValidationResult {
	now := s.now().UTC()
	res := domain.ValidationResult{CheckedAt: now}

	candidate = strings.TrimSpace(candidate)
	if len(candidate) < s.minLength {
		res.Status = domain.ValidationMalformed
		res.Message = fmt.Sprintf("token must be at least %d characters", s.minLength)
		return res
	}
	if !tokenShape.MatchString(candidate) {
		res.Status = domain.ValidationMalformed
		res.Message = "token contains characters the provider never issues"
		return res
	}

	info, err := s.inspector.InspectToken(ctx, candidate)
	if err != nil {
		res.Status = domain.ValidationProviderUnreachable
		res.Message = "could not reach the provider to verify the token; try again"
		return res
	}

	res.Scopes = append([]string(nil), info.Scopes...)
	res.ExpiresAt = info.ExpiresAt

	switch {
	case info.ErrorCode == codeOAuth && (info.Subcode == subcodeExpired || info.Subcode == subcodeExpired2):
		res.Status = domain.ValidationExpired
		res.Message = "token has expired; generate a new one"
		return res
	case info.ExpiresAt != nil && !info.ExpiresAt.After(now):
		res.Status = domain.ValidationExpired
		res.Message = "token has expired; generate a new one"
		return res
	case !info.Valid:
		res.Status = domain.ValidationInvalid
		res.Message = "provider rejected the token"
		if info.Message != "" {
			res.Message += ": " + info.Message
		}
		return res
	}

	if !slices.Contains(info.Scopes, domain.ScopeAdsRead) {
		res.Status = domain.ValidationInsufficientScope
		res.Message = "token is valid but lacks the ads_read permission"
		res.AccessDeniedReason = "missing ads_read permission; grant it to the app and regenerate the token"
		return res
	}

	res.Status = domain.ValidationValid
	if err := s.inspector.ProbeAdLibrary(ctx, candidate); err != nil {
		res.HasAdLibraryAccess = false
		res.AccessDeniedReason = accessDeniedReason(err)
		return res
	}
	res.HasAdLibraryAccess = true
	return res
}

func accessDeniedReason(err error) string {
	switch domain.CodeOf(err) {
	case domain.CodeInsufficientScope:
		return "token cannot read the Ad Library; complete identity confirmation and request Ad Library API access"
	case domain.CodeAuthRejected:
		return "provider rejected the token for Ad Library queries"
	case domain.CodeRateLimited:
		return "Ad Library probe was rate limited; revalidate later"
	case domain.CodeTransient, domain.CodeProviderUnreachable:
		return "Ad Library probe failed to reach the provider; revalidate later"
	}
	if hint := domain.HintOf(err); hint != "" {
		return hint
	}
	return "Ad Library probe failed"
}

// Store validates candidate and, when usable, supersedes the stored
// credential. The previous credential is untouched on any failure.
func (s *CredentialService) Store(ctx context.Context, candidate string) (domain.ValidationResult, error) {
	res := s.Validate(ctx, candidate)
	if !res.Status.Storable() {
		return res, nil
	}

	cred := domain.Credential{
		Token:              strings.TrimSpace(candidate),
		IssuedScopes:       res.Scopes,
		ExpiresAt:          res.ExpiresAt,
		CapabilityVerified: res.HasAdLibraryAccess,
		AccessDeniedReason: res.AccessDeniedReason,
		LastCheckedAt:      res.CheckedAt,
	}
	if err := s.persist(ctx, cred, ""); err != nil {
		return res, err
	}
	return res, nil
}

// Revalidate re-checks the stored credential and stores the outcome as a new
// credential. An unreachable provider leaves the stored value as it was.
func (s *CredentialService) Revalidate(ctx context.Context) (domain.ValidationResult, error) {
	cur := s.current.Load()
	if cur == nil {
		return domain.ValidationResult{}, domain.NewError(domain.CodeNotFound, "no credential stored", "submit an access token first")
	}

	res := s.Validate(ctx, cur.Token)
	if res.Status == domain.ValidationProviderUnreachable {
		return res, nil
	}

	next := cur.Copy()
	next.LastCheckedAt = res.CheckedAt
	if res.Status.Storable() {
		next.IssuedScopes = res.Scopes
		next.ExpiresAt = res.ExpiresAt
		next.CapabilityVerified = res.HasAdLibraryAccess
		next.AccessDeniedReason = res.AccessDeniedReason
	} else {
		next.CapabilityVerified = false
		next.AccessDeniedReason = res.Message
		if res.ExpiresAt != nil {
			next.ExpiresAt = res.ExpiresAt
		}
	}
	if err := s.persist(ctx, next, cur.Token); err != nil {
		return res, err
	}
	return res, nil
}

// persist writes cred through to the store and swaps it in. A non-empty
// replaces makes the write conditional on that token still being current.
func (s *CredentialService) persist(ctx context.Context, cred domain.Credential, replaces string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if replaces != "" {
		if cur := s.current.Load(); cur == nil || cur.Token != replaces {
			s.logger.WithContext(ctx).WithField("credential", cred.Redacted()).
				Info("Credential replaced during revalidation, result not stored")
			return nil
		}
	}
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	c := cred.Copy()
	s.current.Store(&c)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"credential":          c.Redacted(),
		"capability_verified": c.CapabilityVerified,
	}).Info("Credential superseded")
	return nil
}

// Restore loads the persisted credential, if any.
func (s *CredentialService) Restore(ctx context.Context) error {
	cred, err := s.store.LoadCredential(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil
	}
	c := cred.Copy()
	s.current.Store(&c)
	s.logger.WithContext(ctx).WithField("credential", c.Redacted()).Info("Restored stored credential")
	return nil
}

// Current returns a copy of the stored credential for capture at job start.
func (s *CredentialService) Current() (domain.Credential, bool) {
	cur := s.current.Load()
	if cur == nil {
		return domain.Credential{}, false
	}
	return cur.Copy(), true
}

// Status summarises the stored credential without contacting the provider.
func (s *CredentialService) Status() (*domain.CredentialStatus, bool) {
	cur := s.current.Load()
	if cur == nil {
		return nil, false
	}
	c := cur.Copy()
	return &domain.CredentialStatus{
		Token:              c.Redacted(),
		Scopes:             c.IssuedScopes,
		ExpiresAt:          c.ExpiresAt,
		Expired:            c.Expired(s.now()),
		HasAdLibraryAccess: c.CapabilityVerified,
		AccessDeniedReason: c.AccessDeniedReason,
		LastCheckedAt:      c.LastCheckedAt,
	}, true
}
