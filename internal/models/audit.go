package models

import "time"

const (
	ActionIssued  = "ISSUED"
	ActionRevoked = "REVOKED"
)

// AuditEntry is one append-only row in the token audit trail. Entries are
// never mutated after being written.
type AuditEntry struct {
	SubjectID  string    `json:"subject_id"`
	ActionType string    `json:"action_type"`
	TokenHash  string    `json:"token_hash"`
	CreatedAt  time.Time `json:"created_at"`
}
