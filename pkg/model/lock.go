package model

import "time"

// LockRecord is stored at <home>/.lock while a mutation is in flight.
type LockRecord struct {
	OperationID string    `json:"operation_id"`
	OwnerPID    int       `json:"owner_pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Hostname    string    `json:"hostname"`
}

// Age returns how long the lock has been held as of now.
func (l *LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// IsStale reports whether the holder exceeded timeout and may be presumed dead.
func (l *LockRecord) IsStale(now time.Time, timeout time.Duration) bool {
	return l.Age(now) > timeout
}

// LockState classifies the lock file.
type LockState string

const (
	LockStateFree    LockState = "free"
	LockStateHeld    LockState = "held"
	LockStateStale   LockState = "stale"
	LockStateCorrupt LockState = "corrupt"
)
