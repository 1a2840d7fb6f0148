package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrTokenNotFound is returned when no refresh token record exists for the
// session identity. A TTL-expired record is indistinguishable from one that
// was never written.
var ErrTokenNotFound = errors.New("refresh token not found")

// ErrTokenMismatch is returned by Rotate when the stored digest no longer
// matches the presented one. The record has already been deleted when this
// is returned.
var ErrTokenMismatch = errors.New("refresh token hash mismatch")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusMismatch int64 = -1
	rotateStatusRotated  int64 = 1
)

// Compares the stored digest against the presented one and swaps in the
// replacement with a fresh TTL in a single evaluation. On mismatch the slot
// is deleted so no token remains valid for the session.
const rotateScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  return -1
end
redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
return 1
`

var rotateLua = redis.NewScript(rotateScript)

type TokenRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewTokenRepository(client *redis.Client, logger *logrus.Logger) *TokenRepository {
	return &TokenRepository{
		client: client,
		logger: logger,
	}
}

func tokenKey(subjectID, deviceID string) string {
	return fmt.Sprintf("refresh_token:%s:%s", subjectID, deviceID)
}

// Save writes the refresh token digest for a session identity, overwriting
// any existing record.
func (r *TokenRepository) Save(ctx context.Context, subjectID, deviceID, hash string, ttl time.Duration) error {
	key := tokenKey(subjectID, deviceID)

	if err := r.client.Set(ctx, key, hash, ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token hash")
		return fmt.Errorf("failed to store refresh token hash: %w", err)
	}

	return nil
}

// Lookup returns the stored digest for a session identity.
func (r *TokenRepository) Lookup(ctx context.Context, subjectID, deviceID string) (string, error) {
	key := tokenKey(subjectID, deviceID)

	hash, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get refresh token hash: %w", err)
	}

	return hash, nil
}

// Rotate atomically replaces the stored digest with newHash if it still
// equals presentedHash, refreshing the TTL. Returns ErrTokenNotFound if the
// slot is empty and ErrTokenMismatch if it moved under the caller.
func (r *TokenRepository) Rotate(ctx context.Context, subjectID, deviceID, presentedHash, newHash string, ttl time.Duration) error {
	key := tokenKey(subjectID, deviceID)

	status, err := rotateLua.Run(ctx, r.client, []string{key}, presentedHash, newHash, int(ttl.Seconds())).Int64()
	if err != nil {
		r.logger.WithError(err).Error("Failed to rotate refresh token hash")
		return fmt.Errorf("failed to rotate refresh token hash: %w", err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrTokenNotFound
	case rotateStatusMismatch:
		return ErrTokenMismatch
	default:
		return fmt.Errorf("unexpected rotate script status %d", status)
	}
}

// Delete removes the session identity's record. Deleting an absent key is
// not an error.
func (r *TokenRepository) Delete(ctx context.Context, subjectID, deviceID string) error {
	key := tokenKey(subjectID, deviceID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token hash: %w", err)
	}

	return nil
}
