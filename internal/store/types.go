// Package store implements the durable store for the sync engine: an
// embedded SQLite database (WAL mode) holding cache entries, queue records,
// manual-review conflicts, and the drain lease. It is the single source of
// truth for crash recovery; everything in memory is derivable from it.
package store

import "time"

// SyncState describes whether a cache entry reflects an unconfirmed local
// write.
type SyncState string

// Sync states as stored in the cache_entries.sync_state column.
const (
	SyncLocal   SyncState = "local"
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// Priority orders queue records into strict drain tiers. Lower value drains
// first.
type Priority int

// Priority tiers as stored in the queue_records.priority column.
const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the tier name for logs and CLI output.
func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a queue record.
type Status string

// Queue record statuses. InFlight records found at startup were never
// confirmed and are reset to Pending.
const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// ConflictPolicy selects how a queued mutation is reconciled against a
// diverged remote value. Fixed per entity type at enqueue time.
type ConflictPolicy string

// Conflict policies as stored in the queue_records.conflict_policy column.
const (
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"
	PolicyMerge         ConflictPolicy = "merge"
	PolicyManualReview  ConflictPolicy = "manual_review"
)

// CacheEntry is a durable cache row. Value holds an encoded payload
// envelope; TTL zero means the entry never expires by age.
type CacheEntry struct {
	Key        string
	EntityType string
	Value      []byte
	WrittenAt  int64 // Unix nanoseconds
	TTL        time.Duration
	SyncState  SyncState
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now int64) bool {
	if e.TTL <= 0 {
		return false
	}

	return now-e.WrittenAt >= int64(e.TTL)
}

// QueueRecord is a persisted pending mutation. EnqueuedAt anchors FIFO
// ordering and never changes across supersedes; SupersededAt tracks the
// latest local intent and feeds last-write-wins resolution.
type QueueRecord struct {
	ID             string
	EntityType     string
	Payload        []byte
	Priority       Priority
	CorrelationKey string
	ScopeKey       string
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  int64 // Unix nanoseconds; 0 = due immediately
	EnqueuedAt     int64
	SupersededAt   int64
	Status         Status
	ConflictPolicy ConflictPolicy
	LastError      string
}

// ManualConflict is a parked local/remote pair awaiting an explicit
// application decision.
type ManualConflict struct {
	ID               string
	CorrelationKey   string
	ScopeKey         string
	EntityType       string
	LocalPayload     []byte
	RemotePayload    []byte
	RemoteModifiedAt int64 // Unix nanoseconds
	DetectedAt       int64
}

// NowNano returns the current time as Unix nanoseconds. All internal
// timestamps use int64 nanoseconds; conversion happens at boundaries only.
func NowNano() int64 {
	return time.Now().UnixNano()
}
