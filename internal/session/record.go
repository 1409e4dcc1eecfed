package session

import (
	"fmt"
	"time"
)

// MessageRecord is one submitted identity link in a session's ledger.
// Records are immutable once created except for the Verified flag, which
// flips false to true at most once.
type MessageRecord struct {
	Seq         int64     `json:"seq"`         // Stable per-session insertion order, starting at 1
	UserID      uint64    `json:"userId"`      // Submitter
	DisplayName string    `json:"displayName"` // Submitter's display name at submission time
	Link        string    `json:"link"`        // Raw submitted link text
	Handle      string    `json:"handle"`      // Canonical handle derived from the link
	Verified    bool      `json:"verified"`
	Fraud       bool      `json:"fraud"`     // Stored for audit; never counts toward verified totals
	CreatedAt   time.Time `json:"createdAt"`
}

// Redis key layout per (tenant, group). The shared "sess:{t}:{g}" prefix
// lets CloseSession clear all hot state with a single scan.
func sessionKey(tenantID, groupID string) string {
	return fmt.Sprintf("sess:%s:%s", tenantID, groupID)
}

func handlesKey(tenantID, groupID string) string {
	return sessionKey(tenantID, groupID) + ":handles"
}

func handleUsersKey(tenantID, groupID, handle string) string {
	return fmt.Sprintf("%s:hu:%s", sessionKey(tenantID, groupID), handle)
}

func userRecordsKey(tenantID, groupID string, userID uint64) string {
	return fmt.Sprintf("%s:user:%d", sessionKey(tenantID, groupID), userID)
}

func srKey(tenantID, groupID string) string {
	return sessionKey(tenantID, groupID) + ":sr"
}

func recordField(seq int64) string {
	return fmt.Sprintf("msg:%d", seq)
}

const (
	phaseField     = "phase"
	instanceField  = "id"
	seqField       = "seq"
	recordFieldPfx = "msg:"
)
