package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventTypeUninstall        AuditEventType = "uninstall"
	EventTypeSnapshotCreate   AuditEventType = "snapshot_create"
	EventTypeSnapshotDelete   AuditEventType = "snapshot_delete"
	EventTypeLockForceRelease AuditEventType = "lock_force_release"
)

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// AuditRecord is a single line in the audit journal (JSONL format).
type AuditRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	OperationID string         `json:"operation_id,omitempty"`
	Manager     string         `json:"manager,omitempty"`
	Package     string         `json:"package,omitempty"`
	SnapshotID  SnapshotID     `json:"snapshot_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    HashValue      `json:"prev_hash"`
	RecordHash  HashValue      `json:"record_hash"`
}
