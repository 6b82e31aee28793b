package model

import "time"

// EntryStatus is the lifecycle state of a recalculation queue entry.
// Transitions: pending -> processing -> completed | failed. There is no
// direct transition from pending to a terminal state.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// Terminal reports whether the status is an end state eligible for cleanup.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// QueueEntry is one unit of pending derived-metric work, enqueued by the
// write path whenever raw facts change for a symbol.
type QueueEntry struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	TriggerTable Category    `json:"trigger_table"`
	Status       EntryStatus `json:"status"`
	TriggeredAt  time.Time   `json:"triggered_at"`
	ClaimedAt    *time.Time  `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// QueueStats holds grouped entry counts by status.
type QueueStats struct {
	ByStatus map[EntryStatus]int `json:"by_status"`
	Oldest   *time.Time          `json:"oldest_pending,omitempty"`
}

// Total returns the number of entries across all statuses.
func (q QueueStats) Total() int {
	n := 0
	for _, c := range q.ByStatus {
		n += c
	}
	return n
}
