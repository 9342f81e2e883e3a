package main

import (
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/clearing"
	"github.com/AnuragDani/affiliate-engine/internal/postback"
)

// Job names used in logs, metrics and events
const (
	JobClearing  = "clearing"
	JobPostbacks = "postback_sweep"
	JobAutoBatch = "month_end_batch"
)

// SchedulerConfig controls the tick loop
type SchedulerConfig struct {
	TickInterval time.Duration
	Enabled      bool
	SweepLimit   int
	TickTimeout  time.Duration
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: time.Minute,
		Enabled:      true,
		SweepLimit:   100,
		TickTimeout:  2 * time.Minute,
	}
}

// AutoBatchResult reports the month-end batching step of a tick
type AutoBatchResult struct {
	Ran     bool   `json:"ran"`
	Reason  string `json:"reason,omitempty"`
	Batches int    `json:"batches"`
	Skipped int    `json:"skipped"`
}

// TickResult is everything one scheduling cycle did
type TickResult struct {
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
	Clearing  *clearing.Result      `json:"clearing,omitempty"`
	Postbacks *postback.SweepResult `json:"postbacks,omitempty"`
	AutoBatch *AutoBatchResult      `json:"auto_batch,omitempty"`
	Errors    []string              `json:"errors,omitempty"`
}

// SchedulerStatus represents the current state of the scheduler
type SchedulerStatus struct {
	Running       bool        `json:"running"`
	Enabled       bool        `json:"enabled"`
	LastRun       *time.Time  `json:"last_run,omitempty"`
	NextRun       *time.Time  `json:"next_run,omitempty"`
	LastAutoBatch string      `json:"last_auto_batch,omitempty"`
	TickInterval  string      `json:"tick_interval"`
	LastResult    *TickResult `json:"last_result,omitempty"`
}
