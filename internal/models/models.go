package models

import (
	"encoding/json"
	"time"
)

// SentinelAccountID is the reserved account id the platform uses for
// test deliveries sent from the developer console. Events carrying it
// are never attributable to a real account.
const SentinelAccountID = "0"

// MessageEvent is the normalized form of one inbound message
// notification, regardless of which wire shape it arrived in.
// Immutable once built by the normalizer.
type MessageEvent struct {
	PlatformAccountID string
	SenderID          string
	RecipientID       string
	PlatformMessageID string // empty when the platform omitted it
	Text              string
	Attachments       json.RawMessage
	OccurredAt        time.Time
	RawPayload        json.RawMessage // original event, retained for audit/replay
	IsTest            bool            // account id matched SentinelAccountID
}

// TenantConnection links a platform account to an internal tenant.
// Owned by the connection-management service; this pipeline only reads
// it, apart from bumping LastEventAt on inbound traffic.
type TenantConnection struct {
	TenantID          string
	PlatformAccountID string
	LastSyncedAt      time.Time
	LastEventAt       *time.Time
}

// StoredMessage is the durable record of one message. At most one row
// exists per non-empty PlatformMessageID.
type StoredMessage struct {
	ID                string
	TenantID          string
	PlatformMessageID string
	SenderID          string
	RecipientID       string
	SenderName        string
	RecipientName     string
	Text              string
	Attachments       json.RawMessage
	OccurredAt        time.Time
	RawEvent          json.RawMessage
	CreatedAt         time.Time
}

// QuarantinedEvent is one append-only quarantine entry for an event
// that could not be fully processed.
type QuarantinedEvent struct {
	ID                string          `json:"id"`
	PlatformAccountID string          `json:"platform_account_id"`
	PlatformMessageID string          `json:"platform_message_id,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	Reason            string          `json:"reason"`
	Detail            string          `json:"detail,omitempty"`
	CapturedAt        time.Time       `json:"captured_at"`
}

// DisplayProfile is the best-effort human-readable identity resolved
// for a platform user.
type DisplayProfile struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
