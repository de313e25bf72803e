// internal/store/entities.go
package store

import "time"

// Endpoint is one registered storage array or topology service.
// Endpoints are created on discovery, updated on re-discovery, and
// never silently deleted.
type Endpoint struct {
	ID         string
	Name       string
	Model      string
	Serial     string
	BaseURL    string
	Type       string // "array" or "topology"
	AuthStatus string // "unknown", "validated", "failed"
	Monitored  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConsistencyGroup is one logical replication unit, unique per
// (group id, source endpoint).
type ConsistencyGroup struct {
	GroupID          int
	SourceEndpointID string
	TargetEndpointID string
	Name             string
	Monitored        bool
	VolumeCount      int
	Health           string
	UpdatedAt        time.Time
}

// Pair is one primary-to-secondary volume mapping inside a group.
// Pair rows are rewritten wholesale per group on each discovery pass.
type Pair struct {
	GroupID          int
	SourceEndpointID string
	PvolLdevID       int
	SvolLdevID       int
	PvolJournalID    int
	SvolJournalID    int
	PairStatus       string
	FenceLevel       string
	CopyProgress     int
}

// RpoSample is one immutable time-series point. Only the block-delta
// and pair-status fields may be backfilled later in the same cycle.
type RpoSample struct {
	RecordedAt       time.Time
	GroupID          int
	SourceEndpointID string
	JournalID        string
	MuNumber         int
	UsageRate        int
	QCount           int
	QMarker          string
	PendingBytes     int64
	EtaSeconds       float64
	BlockDeltaBytes  *int64
	CopySpeedMbps    int
	JournalStatus    string
	PairStatus       string
}

// Alert is one derived threshold event.
type Alert struct {
	ID           string
	GroupID      int
	Type         string
	Severity     string
	Message      string
	Acknowledged bool
	CreatedAt    time.Time
}
