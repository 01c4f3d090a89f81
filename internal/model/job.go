package model

import "time"

// JobStatus represents the lifecycle state of a background generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobRecord is the pollable state of a background opportunity-generation job.
// Records are mutated only by the generator that owns the job id; concurrent
// updates are last-write-wins by wall-clock write order.
type JobRecord struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	SearchID       string            `json:"search_id"`
	RequestedLimit int               `json:"requested_limit"`
	Status         JobStatus         `json:"status"`
	Progress       int               `json:"progress"`
	Message        string            `json:"message"`
	Result         *GenerationResult `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// JobUpdate is a merge patch for a JobRecord. Nil fields are left unchanged.
type JobUpdate struct {
	Status   *JobStatus
	Progress *int
	Message  *string
	Result   *GenerationResult
	Error    *string
}

// Apply merges the patch into the record and bumps UpdatedAt.
func (u JobUpdate) Apply(rec *JobRecord, now time.Time) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Progress != nil {
		rec.Progress = *u.Progress
	}
	if u.Message != nil {
		rec.Message = *u.Message
	}
	if u.Result != nil {
		rec.Result = u.Result
	}
	if u.Error != nil {
		rec.Error = *u.Error
	}
	rec.UpdatedAt = now
}

// StatusPtr is a convenience for building JobUpdate literals.
func StatusPtr(s JobStatus) *JobStatus { return &s }

// IntPtr is a convenience for building JobUpdate literals.
func IntPtr(n int) *int { return &n }

// StrPtr is a convenience for building JobUpdate literals.
func StrPtr(s string) *string { return &s }
