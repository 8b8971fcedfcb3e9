package models

import "time"

// RunOutcome is the terminal state of one analysis run.
type RunOutcome string

const (
	OutcomeDone      RunOutcome = "done"
	OutcomeError     RunOutcome = "error"
	OutcomeCancelled RunOutcome = "cancelled"
)

// RunRecord is one journaled analysis run.
type RunRecord struct {
	RunID     string     `json:"run_id"`
	SubjectID string     `json:"subject_id"`
	Operation string     `json:"operation"`
	UserID    string     `json:"user_id,omitempty"`
	Outcome   RunOutcome `json:"outcome"`
	Chars     int        `json:"chars"`
	Deltas    int        `json:"deltas"`
	Cached    bool       `json:"cached"`
	Error     string     `json:"error,omitempty"`
	LatencyMs int64      `json:"latency_ms"`
	CreatedAt time.Time  `json:"created_at"`
}

// JournalConfig controls the run journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RunQueryOpts specifies filters for querying journaled runs.
type RunQueryOpts struct {
	SubjectID string
	Operation string
	Outcome   RunOutcome
	Since     time.Time
	Limit     int
}

// RunStat holds aggregate run counts for an operation/day/outcome combination.
type RunStat struct {
	Operation string
	Day       string
	Outcome   RunOutcome
	Count     int
	AvgMs     float64
}
