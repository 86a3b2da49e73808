package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Job struct {
	ID          uuid.UUID
	Queue       string
	Name        string
	Key         *string
	Payload     json.RawMessage
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	RunAt       time.Time
	LastError   *string
	LockedAt    *time.Time
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

type JobCounts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
