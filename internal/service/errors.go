package service

import "errors"

var (
	// ErrTokenExpired means the refresh token's own expiry has passed.
	ErrTokenExpired = errors.New("refresh token expired")

	// ErrTokenInvalid covers bad signatures, wrong token types, and
	// otherwise unverifiable tokens.
	ErrTokenInvalid = errors.New("refresh token invalid")

	// ErrSessionNotFound means no live record exists for the session
	// identity: never issued, TTL-expired, or already torn down. These
	// cases are deliberately indistinguishable to the caller.
	ErrSessionNotFound = errors.New("refresh session not found or expired")

	// ErrReuseDetected means a verified token was presented whose digest
	// no longer matches the live record. The session has been torn down.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrMalformedToken means the presented string is not a decodable
	// token at all.
	ErrMalformedToken = errors.New("malformed token")
)
