package models

import "time"

// QueueEntry wraps a SyncEvent with the queue's delivery metadata.
type QueueEntry struct {
	Event         SyncEvent  `json:"event"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// NewQueueEntry derives the priority from the event type.
func NewQueueEntry(ev SyncEvent) QueueEntry {
	return QueueEntry{Event: ev, Priority: PriorityFor(ev.Type)}
}

// Before reports whether e is delivered ahead of other: priority first,
// then event timestamp, then id so the order is total.
func (e QueueEntry) Before(other QueueEntry) bool {
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	if e.Event.Timestamp != other.Event.Timestamp {
		return e.Event.Timestamp < other.Event.Timestamp
	}
	return e.Event.ID < other.Event.ID
}

// ReadyAt reports whether the backoff deadline has passed at now.
func (e QueueEntry) ReadyAt(now time.Time) bool {
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// DeadLetterEntry is a QueueEntry that exhausted its retries.
type DeadLetterEntry struct {
	Entry    QueueEntry `json:"entry"`
	FailedAt time.Time  `json:"failed_at"`
	Error    string     `json:"error"`
}

// OfflineEntry is an event buffered while disconnected.
type OfflineEntry struct {
	Event    SyncEvent `json:"event"`
	QueuedAt time.Time `json:"queued_at"`
}
