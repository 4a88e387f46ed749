package events

// QueueCapacityPayload accompanies queue_near_capacity, queue_near_full and queue_full.
type QueueCapacityPayload struct {
	Size  int     `json:"size"`
	Max   int     `json:"max"`
	Ratio float64 `json:"ratio"`
}

type QueueClearedPayload struct {
	Removed int `json:"removed"`
}

type SyncRequestedPayload struct {
	Reason  string `json:"reason"`
	DelayMS int64  `json:"delay_ms"`
}

type SyncStartedPayload struct {
	Identity  string `json:"identity"`
	QueueSize int    `json:"queue_size"`
}

type SyncCompletedPayload struct {
	Delivered    int   `json:"delivered"`
	Retried      int   `json:"retried"`
	DeadLettered int   `json:"dead_lettered"`
	DurationMS   int64 `json:"duration_ms"`
}

type SyncRetryPayload struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	RetryCount int    `json:"retry_count"`
	DelayMS    int64  `json:"delay_ms"`
	Error      string `json:"error"`
}

type SyncFailedPayload struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

type DeadLetteredPayload struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error"`
}

type NetworkPayload struct {
	Online         bool   `json:"online"`
	ConnectionType string `json:"connection_type"`
}

type OfflineBufferPayload struct {
	Size      int `json:"size"`
	Threshold int `json:"threshold"`
}

type RateLimitPayload struct {
	Identity     string `json:"identity"`
	Operation    string `json:"operation"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

type CircuitStatePayload struct {
	Name                 string `json:"name"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}
