package domain

import "time"

// SyncPhase names the step a sync run has reached.
type SyncPhase string

const (
	PhaseAcquireLock   SyncPhase = "ACQUIRE_LOCK"
	PhaseFetchMetadata SyncPhase = "FETCH_METADATA"
	PhaseFetchListings SyncPhase = "FETCH_LISTINGS"
	PhaseMerge         SyncPhase = "MERGE"
	PhaseFetchMedia    SyncPhase = "FETCH_MEDIA"
	PhaseReleaseLock   SyncPhase = "RELEASE_LOCK"
	PhaseAborted       SyncPhase = "ABORTED"
)

// SyncOptions selects the kind of run.
type SyncOptions struct {
	Full         bool
	LookbackDays int
	LockTTL      time.Duration
}

// SyncStats holds statistics about a sync operation.
type SyncStats struct {
	Phase         SyncPhase
	Full          bool
	Since         time.Time
	Aborted       bool
	MetadataClean bool
	Fetched       int
	New           int
	Updated       int
	Skipped       int
	Deactivated   int64
	MappingErrors int
	Errors        int
	Photos        int
	Duration      time.Duration
}

type SyncState struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	LastSyncedAt time.Time `db:"last_synced_at"`
	TotalSynced  int64     `db:"total_synced"`
}
