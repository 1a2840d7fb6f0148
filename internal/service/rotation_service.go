package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keyloom/keyloom/internal/config"
	"github.com/keyloom/keyloom/internal/events"
	"github.com/keyloom/keyloom/internal/models"
	"github.com/keyloom/keyloom/internal/repository"
	"github.com/sirupsen/logrus"
)

// UnknownDevice substitutes for a verified refresh token that carries no
// device claim. Tokens minted by this service always carry one; the sentinel
// keeps externally minted but validly signed tokens addressable.
const UnknownDevice = "unknown_device"

const reuseDetectedReason = "Reuse Detected"

// TokenStore persists refresh-token digests keyed by session identity,
// with per-key expiry.
type TokenStore interface {
	Save(ctx context.Context, subjectID, deviceID, hash string, ttl time.Duration) error
	Lookup(ctx context.Context, subjectID, deviceID string) (string, error)
	Rotate(ctx context.Context, subjectID, deviceID, presentedHash, newHash string, ttl time.Duration) error
	Delete(ctx context.Context, subjectID, deviceID string) error
}

// AuditLog records lifecycle actions durably. Append failures are always
// best-effort from the engine's point of view.
type AuditLog interface {
	Append(ctx context.Context, entry models.AuditEntry) error
}

// Notifier dispatches lifecycle events to in-process consumers.
type Notifier interface {
	Publish(event events.Event)
}

// RotationService owns every transition of a session's refresh-token slot:
// issuance, rotation, reuse teardown, and revocation. The store executes its
// read/write/delete requests with no policy of its own.
type RotationService struct {
	signer     *JWTService
	store      TokenStore
	audit      AuditLog
	notifier   Notifier
	refreshTTL time.Duration
	logger     *logrus.Logger
}

func NewRotationService(
	signer *JWTService,
	store TokenStore,
	audit AuditLog,
	notifier Notifier,
	cfg *config.JWTConfig,
	logger *logrus.Logger,
) *RotationService {
	return &RotationService{
		signer:     signer,
		store:      store,
		audit:      audit,
		notifier:   notifier,
		refreshTTL: cfg.RefreshExpiry,
		logger:     logger,
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a credential pair for the session identity and stores the
// refresh token's digest, unconditionally replacing any live record: a new
// login always wins over a prior unexpired session on the same device.
func (s *RotationService) Issue(ctx context.Context, subjectID, deviceID string) (*models.TokenPair, error) {
	pair, err := s.signer.GeneratePair(subjectID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential pair: %w", err)
	}

	if err := s.store.Save(ctx, subjectID, deviceID, hashToken(pair.RefreshToken), s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return pair, nil
}

// Rotate exchanges a valid refresh token for a fresh credential pair. A
// cryptographically valid token whose digest no longer matches the live
// record is treated as stolen: the whole session is torn down and no new
// tokens are issued.
func (s *RotationService) Rotate(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.signer.VerifyToken(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.Type != TokenTypeRefresh {
		return nil, ErrTokenInvalid
	}

	subjectID := claims.Subject
	deviceID := claims.DeviceID
	if deviceID == "" {
		deviceID = UnknownDevice
	}

	storedHash, err := s.store.Lookup(ctx, subjectID, deviceID)
	if errors.Is(err, repository.ErrTokenNotFound) {
		// Covers both never-issued and TTL-expired; the store's expiry is
		// the only temporal check here.
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	presentedHash := hashToken(refreshToken)
	if storedHash != presentedHash {
		return nil, s.tearDown(ctx, subjectID, deviceID)
	}

	pair, err := s.signer.GeneratePair(subjectID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential pair: %w", err)
	}
	newHash := hashToken(pair.RefreshToken)

	err = s.store.Rotate(ctx, subjectID, deviceID, presentedHash, newHash, s.refreshTTL)
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		// The slot vanished between lookup and swap: revoked or rotated
		// away concurrently.
		return nil, ErrSessionNotFound
	case errors.Is(err, repository.ErrTokenMismatch):
		// The swap lost a race; the store already deleted the slot.
		s.notifyRevoked(subjectID, deviceID, reuseDetectedReason)
		return nil, ErrReuseDetected
	case err != nil:
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.appendAudit(ctx, subjectID, models.ActionIssued, newHash)
	s.notifier.Publish(events.Event{
		Type:      events.TokenIssued,
		SubjectID: subjectID,
		DeviceID:  deviceID,
	})

	return pair, nil
}

// Revoke tears down the session named by the token's claims. An expired but
// well-formed token must still be revocable, so the token is decoded rather
// than verified. Idempotent: revoking an absent session succeeds.
func (s *RotationService) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.signer.DecodeToken(refreshToken)
	if err != nil {
		return ErrMalformedToken
	}

	subjectID := claims.Subject
	deviceID := claims.DeviceID
	if deviceID == "" {
		deviceID = UnknownDevice
	}

	if err := s.store.Delete(ctx, subjectID, deviceID); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	s.appendAudit(ctx, subjectID, models.ActionRevoked, hashToken(refreshToken))
	s.notifier.Publish(events.Event{
		Type:      events.TokenRevoked,
		SubjectID: subjectID,
		DeviceID:  deviceID,
	})

	return nil
}

// tearDown handles the reuse branch: delete the slot so the current
// legitimate token dies with the replayed one, then announce the teardown.
func (s *RotationService) tearDown(ctx context.Context, subjectID, deviceID string) error {
	if err := s.store.Delete(ctx, subjectID, deviceID); err != nil {
		return fmt.Errorf("failed to tear down session after reuse: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"device_id":  deviceID,
	}).Warn("Refresh token reuse detected, session torn down")
	s.notifyRevoked(subjectID, deviceID, reuseDetectedReason)
	return ErrReuseDetected
}

func (s *RotationService) notifyRevoked(subjectID, deviceID, reason string) {
	s.notifier.Publish(events.Event{
		Type:      events.TokenRevoked,
		SubjectID: subjectID,
		DeviceID:  deviceID,
		Reason:    reason,
	})
}

// appendAudit is best-effort: a failed append is logged and swallowed so the
// audit trail can never change a protocol outcome.
func (s *RotationService) appendAudit(ctx context.Context, subjectID, actionType, tokenHash string) {
	entry := models.AuditEntry{
		SubjectID:  subjectID,
		ActionType: actionType,
		TokenHash:  tokenHash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"subject_id":  subjectID,
			"action_type": actionType,
		}).Warn("Audit append failed")
	}
}
