package delivery

import (
	"net/http"
	"strings"
	"time"

	"adlens/internal/domain"

	"github.com/gin-gonic/gin"
)

type credentialRequest struct {
	AccessToken string `json:"accessToken"`
	Token       string `json:"token"`
}

type adLibraryAccess struct {
	HasAccess bool   `json:"hasAccess"`
	Error     string `json:"error,omitempty"`
}

type credentialData struct {
	Status          domain.ValidationStatus `json:"status"`
	ExpiresAt       *time.Time              `json:"expiresAt,omitempty"`
	Scopes          []string                `json:"scopes,omitempty"`
	AdLibraryAccess adLibraryAccess         `json:"adLibraryAccess"`
}

// tokenErrors maps rejected validation outcomes to the credential error codes.
var tokenErrors = map[domain.ValidationStatus]struct {
	code   string
	status int
	hint   string
}{
	domain.ValidationExpired: {"TOKEN_EXPIRED", http.StatusBadRequest,
		"generate a new access token and submit it again"},
	domain.ValidationInvalid: {"TOKEN_INVALID", http.StatusBadRequest,
		"check that the token was copied in full and has not been revoked"},
	domain.ValidationMalformed: {"TOKEN_MALFORMED", http.StatusBadRequest,
		"submit the full access token as issued by the provider"},
	domain.ValidationProviderUnreachable: {"PROVIDER_UNREACHABLE", http.StatusBadGateway,
		"the provider could not be reached; try again shortly"},
}

// UpdateCredential handles PUT /api/v1/credential
func (h *HTTPHandlers) UpdateCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.WrapError(domain.CodeMalformedInput, "request body is not valid JSON",
			`send {"accessToken": "..."}`, err))
		return
	}
	candidate := strings.TrimSpace(req.AccessToken)
	if candidate == "" {
		candidate = strings.TrimSpace(req.Token)
	}

	result, err := h.credentials.Store(c.Request.Context(), candidate)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondValidation(c, result)
}

// GetCredential handles GET /api/v1/credential
func (h *HTTPHandlers) GetCredential(c *gin.Context) {
	status, ok := h.credentials.Status()
	if !ok {
		h.writeError(c, domain.NewError(domain.CodeNotFound, "no credential stored",
			"PUT /api/v1/credential with an access token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"data":       status,
		"request_id": c.GetString("request_id"),
	})
}

// RevalidateCredential handles POST /api/v1/credential/revalidate
func (h *HTTPHandlers) RevalidateCredential(c *gin.Context) {
	result, err := h.credentials.Revalidate(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondValidation(c, result)
}

func (h *HTTPHandlers) respondValidation(c *gin.Context, result domain.ValidationResult) {
	requestID := c.GetString("request_id")

	if !result.Status.Storable() {
		te, ok := tokenErrors[result.Status]
		if !ok {
			te = tokenErrors[domain.ValidationInvalid]
		}
		h.logger.WithContext(c.Request.Context()).WithFields(map[string]any{
			"status": result.Status,
			"code":   te.code,
		}).Warn("Credential rejected")

		c.JSON(te.status, gin.H{
			"success":    false,
			"error":      http.StatusText(te.status),
			"code":       te.code,
			"message":    result.Message,
			"hint":       te.hint,
			"request_id": requestID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": credentialData{
			Status:    result.Status,
			ExpiresAt: result.ExpiresAt,
			Scopes:    result.Scopes,
			AdLibraryAccess: adLibraryAccess{
				HasAccess: result.HasAdLibraryAccess,
				Error:     result.AccessDeniedReason,
			},
		},
		"request_id": requestID,
	})
}
