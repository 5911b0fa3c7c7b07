package tracker

import (
	"time"

	"convtrack/pkg/models"
	"convtrack/pkg/push"
)

// Source identifies which channel produced an update
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Update is a normalized incoming change from either channel. Pointer
// fields distinguish "not carried" from an explicit value; fields that
// are carried win last-write-wins, ordered fields obey the precedence
// rule in merge.
type Update struct {
	Status         models.JobStatus
	Progress       *int
	CurrentStage   *string
	ErrorMessage   *string
	OutputFilename *string

	// Identity fields, carried only by snapshots. They are immutable
	// server-side, so they apply regardless of status precedence.
	OriginalFilename string
	OriginalFileSize int64
	CreatedAt        time.Time
}

// updateFromMessage normalizes a push payload
func updateFromMessage(msg push.Message) Update {
	progress := msg.Progress
	return Update{
		Status:       msg.Status,
		Progress:     &progress,
		CurrentStage: msg.CurrentStage,
		ErrorMessage: msg.ErrorMessage,
	}
}

// updateFromSnapshot normalizes a pull result. Optional fields are
// carried only when the snapshot actually has them, so a snapshot that
// omits a stage never wipes one learned from push.
func updateFromSnapshot(job *models.Job) Update {
	progress := job.Progress
	upd := Update{
		Status:           job.Status,
		Progress:         &progress,
		OriginalFilename: job.OriginalFilename,
		OriginalFileSize: job.OriginalFileSize,
		CreatedAt:        job.CreatedAt,
	}
	if job.CurrentStage != "" {
		stage := job.CurrentStage
		upd.CurrentStage = &stage
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		upd.ErrorMessage = &msg
	}
	if job.OutputFilename != "" {
		out := job.OutputFilename
		upd.OutputFilename = &out
	}
	return upd
}

// merge applies upd to rec under the field-level precedence rule and
// returns the new record plus the new progress high-water mark. The
// function is pure: applying the same update twice, or push-then-pull
// versus pull-then-push of non-conflicting advancing data, converges to
// the same record regardless of source.
//
//   - status applies when equal-or-later in the canonical ordering;
//     earlier statuses are stale echoes and are ignored
//   - progress is a high-water mark; lower values are stale echoes
//   - stage, error and output filename are unordered and apply whenever
//     carried (last-write-wins, the documented assumption for equal-rank
//     conflicts)
//   - identity fields fill in whenever the record lacks them
func merge(rec models.Job, highWater int, upd Update) (models.Job, int) {
	if models.StatusRank(upd.Status) >= models.StatusRank(rec.Status) {
		rec.Status = upd.Status
	}

	if upd.Progress != nil && *upd.Progress >= highWater {
		rec.Progress = *upd.Progress
		highWater = *upd.Progress
	}

	if upd.CurrentStage != nil {
		rec.CurrentStage = *upd.CurrentStage
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	if upd.OutputFilename != nil {
		rec.OutputFilename = *upd.OutputFilename
	}

	if rec.OriginalFilename == "" && upd.OriginalFilename != "" {
		rec.OriginalFilename = upd.OriginalFilename
	}
	if rec.OriginalFileSize == 0 && upd.OriginalFileSize != 0 {
		rec.OriginalFileSize = upd.OriginalFileSize
	}
	if rec.CreatedAt.IsZero() && !upd.CreatedAt.IsZero() {
		rec.CreatedAt = upd.CreatedAt
	}

	return rec, highWater
}
