package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/keyloom/keyloom/internal/config"
	"github.com/keyloom/keyloom/internal/models"
	"github.com/keyloom/keyloom/internal/service"
	"github.com/sirupsen/logrus"
)

// AuditReader serves the read side of the audit trail. It is satisfied by
// repository.AuditRepository.
type AuditReader interface {
	History(ctx context.Context, subjectID string, limit int32) ([]models.AuditEntry, error)
}

type AuthHandlers struct {
	rotation *service.RotationService
	audit    AuditReader
	login    config.LoginConfig
	logger   *logrus.Logger
}

func NewAuthHandlers(
	rotation *service.RotationService,
	audit AuditReader,
	login config.LoginConfig,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		rotation: rotation,
		audit:    audit,
		login:    login,
		logger:   logger,
	}
}

type LoginRequest struct {
	SubjectID string `json:"subject_id"`
	DeviceID  string `json:"device_id"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RevokeTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RevokeTokenResponse struct {
	Message string `json:"message"`
}

type MeResponse struct {
	SubjectID string `json:"subject_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

type AuditHistoryResponse struct {
	SubjectID string              `json:"subject_id"`
	Entries   []models.AuditEntry `json:"entries"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Login issues a fresh credential pair. Missing subject or device fall back
// to the configured boundary defaults; the rotation engine itself never
// substitutes identities.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// An empty or absent body is a valid login request.
		req = LoginRequest{}
	}

	subjectID := req.SubjectID
	if subjectID == "" {
		subjectID = h.login.DefaultSubjectID
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = h.login.DefaultDeviceID
	}

	if subjectID == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_SUBJECT", "subject_id is required")
		return
	}
	if deviceID == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_DEVICE", "device_id is required")
		return
	}

	pair, err := h.rotation.Issue(r.Context(), subjectID, deviceID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue credential pair")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_ISSUE_FAILED", "Failed to issue tokens")
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	pair, err := h.rotation.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondRotateError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	if err := h.rotation.Revoke(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, service.ErrMalformedToken) {
			h.respondWithError(w, http.StatusBadRequest, "MALFORMED_TOKEN", "Malformed token")
			return
		}
		h.logger.WithError(err).Error("Failed to revoke token")
		h.respondWithError(w, http.StatusInternalServerError, "REVOCATION_FAILED", "Revocation failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, RevokeTokenResponse{
		Message: "Token revoked successfully",
	})
}

// Me echoes the authenticated session identity. Requires the bearer-auth
// middleware.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value("claims").(*service.Claims)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MeResponse{
		SubjectID: claims.Subject,
		DeviceID:  claims.DeviceID,
	})
}

// AuditHistory returns the most recent audit rows for a subject.
func (h *AuthHandlers) AuditHistory(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subject_id"]
	if subjectID == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_SUBJECT", "subject_id is required")
		return
	}

	entries, err := h.audit.History(r.Context(), subjectID, 50)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read audit history")
		h.respondWithError(w, http.StatusInternalServerError, "AUDIT_READ_FAILED", "Failed to read audit history")
		return
	}

	h.respondWithJSON(w, http.StatusOK, AuditHistoryResponse{
		SubjectID: subjectID,
		Entries:   entries,
	})
}

func (h *AuthHandlers) respondRotateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTokenExpired):
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token expired")
	case errors.Is(err, service.ErrTokenInvalid):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
	case errors.Is(err, service.ErrSessionNotFound):
		h.respondWithError(w, http.StatusUnauthorized, "SESSION_NOT_FOUND", "Refresh token invalid or expired")
	case errors.Is(err, service.ErrReuseDetected):
		h.respondWithError(w, http.StatusForbidden, "REUSE_DETECTED", "Token reuse detected")
	default:
		h.logger.WithError(err).Error("Failed to rotate refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_REFRESH_FAILED", "Failed to refresh tokens")
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
