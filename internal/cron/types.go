// Package cron schedules recurring maintenance work: nightly knowledge
// reindexing, session gauge refresh, and operator-defined jobs.
package cron

import (
	"time"

	"github.com/google/uuid"
)

// Job payload kinds understood by the gateway's job handler.
const (
	JobKindReindex      = "reindex"
	JobKindSessionGauge = "session_gauge"
)

// Schedule describes when a job fires. Exactly one kind is used:
// "cron" (Expr, with seconds), "every" (EveryMs), or "at" (AtMs, one-shot).
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what the job handler receives when a job fires.
type Payload struct {
	Kind string            `json:"kind"`
	Args map[string]string `json:"args,omitempty"`
}

// JobState tracks the outcome of the most recent run.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
