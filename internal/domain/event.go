package domain

import "time"

const (
	EventWarmup            = "warmup"
	EventSavedSearchDigest = "saved_search_digest"
)

// SyncEvent is published after a successful sync for downstream consumers
// (cache warm-up, saved-search digest mails). Changed lists the new and updated
// ids of incremental runs only; full runs and oversized lists carry counts and
// set ChangedTruncated instead.
type SyncEvent struct {
	Type        string    `json:"type"`
	Full        bool      `json:"full"`
	New         int       `json:"new"`
	Updated     int       `json:"updated"`
	Deactivated int64     `json:"deactivated"`
	Changed     []string  `json:"changed,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`

	ChangedTruncated bool `json:"changed_truncated,omitempty"`
}
