package models

import (
	"time"
)

// JobStatus represents the status of a conversion job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusAnalyzing  JobStatus = "analyzing"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// statusRanks defines the canonical ordering of job statuses.
// analyzing and processing share a rank because the backend alternates
// between them across passes; all terminal states share the top rank.
var statusRanks = map[JobStatus]int{
	JobStatusPending:    0,
	JobStatusQueued:     1,
	JobStatusAnalyzing:  2,
	JobStatusProcessing: 2,
	JobStatusCompleted:  3,
	JobStatusFailed:     3,
	JobStatusCancelled:  3,
}

// StatusRank returns the position of a status in the canonical ordering.
// Unknown statuses rank below pending so they never displace known state.
func StatusRank(s JobStatus) int {
	rank, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminalStatus returns true if no further transitions can occur
func IsTerminalStatus(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActiveStatus returns true if the job is being worked on server-side
func IsActiveStatus(s JobStatus) bool {
	return s == JobStatusAnalyzing || s == JobStatusProcessing
}

// Job represents one server-side conversion task tracked by id
type Job struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"` // 0-100, high-water mark while active
	CurrentStage     string    `json:"current_stage,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`   // present iff failed
	OutputFilename   string    `json:"output_filename,omitempty"` // present iff completed
	OriginalFileSize int64     `json:"original_file_size"`
	CreatedAt        time.Time `json:"created_at"`
}

// JobRequest represents a request to create a new conversion job
// from a ready pending upload.
type JobRequest struct {
	UploadID string            `json:"upload_id"`
	Format   string            `json:"format,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// JobList is the ordered collection returned by the list endpoint
type JobList struct {
	Jobs  []*Job `json:"jobs"`
	Count int    `json:"count"`
}
