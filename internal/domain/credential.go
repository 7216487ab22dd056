package domain

import (
	"slices"
	"time"
)

// Scope the provider requires for reading the ads archive.
const ScopeAdsRead = "ads_read"

// Credential is a validated bearer token. It is superseded, never edited:
// each submission or revalidation produces a new value.
type Credential struct {
	Token              string     `json:"-"`
	IssuedScopes       []string   `json:"issued_scopes"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CapabilityVerified bool       `json:"capability_verified"`
	AccessDeniedReason string     `json:"access_denied_reason,omitempty"`
	LastCheckedAt      time.Time  `json:"last_checked_at"`
}

// String prints the redacted token so a credential can be logged safely.
func (c Credential) String() string {
	return RedactToken(c.Token)
}

// Redacted returns the prefix/suffix form of the token.
func (c Credential) Redacted() string {
	return RedactToken(c.Token)
}

func (c Credential) HasScope(scope string) bool {
	return slices.Contains(c.IssuedScopes, scope)
}

// Expired reports whether the credential is past its known expiry.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Copy returns an independent value for capture at job start.
func (c Credential) Copy() Credential {
	out := c
	out.IssuedScopes = append([]string(nil), c.IssuedScopes...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// RedactToken keeps the first 6 and last 4 characters of a token.
func RedactToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

type ValidationStatus string

const (
	ValidationValid               ValidationStatus = "VALID"
	ValidationMalformed           ValidationStatus = "MALFORMED"
	ValidationExpired             ValidationStatus = "EXPIRED"
	ValidationInvalid             ValidationStatus = "INVALID"
	ValidationInsufficientScope   ValidationStatus = "INSUFFICIENT_SCOPE"
	ValidationProviderUnreachable ValidationStatus = "PROVIDER_UNREACHABLE"
)

// Storable reports whether a credential with this outcome may be persisted.
// Scope-limited tokens are kept so jobs can record why they fell back.
func (s ValidationStatus) Storable() bool {
	return s == ValidationValid || s == ValidationInsufficientScope
}

// ValidationResult is the outcome of checking a candidate token.
type ValidationResult struct {
	Status             ValidationStatus `json:"status"`
	Message            string           `json:"message,omitempty"`
	Scopes             []string         `json:"scopes,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	HasAdLibraryAccess bool             `json:"has_ad_library_access"`
	AccessDeniedReason string           `json:"access_denied_reason,omitempty"`
	CheckedAt          time.Time        `json:"checked_at"`
}

// TokenInfo is the provider's introspection of a token.
type TokenInfo struct {
	Valid     bool
	Scopes    []string
	ExpiresAt *time.Time
	ErrorCode int
	Subcode   int
	Message   string
}

// CredentialStatus summarises the stored credential without the token.
type CredentialStatus struct {
	Token              string     `json:"token"`
	Scopes             []string   `json:"scopes"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Expired            bool       `json:"expired"`
	HasAdLibraryAccess bool       `json:"has_ad_library_access"`
	AccessDeniedReason string     `json:"access_denied_reason,omitempty"`
	LastCheckedAt      time.Time  `json:"last_checked_at"`
}
