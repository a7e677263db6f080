// Package gateway defines the persistence boundary for interview sessions.
//
// The orchestrator depends on five operations: create-or-resume an interview
// for an application, append transcript segments, replace the anti-cheat
// signal set, finalize, and mint recording upload URLs. Everything else about
// the backing store (REST backend or direct Postgres) stays behind [Store].
//
// Transcript and signal writes are fire-and-forget from the session's point
// of view; wrap a Store in a [Writer] to get that queueing behaviour plus the
// synchronous awaited Finalize.
package gateway

import (
	"context"
	"time"

	"github.com/evrhire/cadenza/pkg/types"
)

// Interview status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Interview is one interview record.
type Interview struct {
	ID            string
	ApplicationID string

	// Status is one of the Status* constants.
	Status string

	ScheduledAt *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time

	// DurationSeconds is the wall-clock length of the finished interview.
	// Zero until finalized.
	DurationSeconds int

	// RecordingURL points at the uploaded session recording, if any.
	RecordingURL string

	// TranscriptStatus tracks downstream transcript processing; owned by the
	// backend, passed through untouched.
	TranscriptStatus string

	// Summary is the post-interview summary, if one has been written.
	Summary string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Segment is one transcript entry to append. The store assigns the sequence
// number; callers only supply order implicitly by calling in turn order.
type Segment struct {
	// Speaker is who said it.
	Speaker types.Role

	// Content is the spoken text.
	Content string

	// StartTimeMS and EndTimeMS bound the utterance in milliseconds since
	// session start. Zero when the tier cannot measure them.
	StartTimeMS int64
	EndTimeMS   int64
}

// FinalizeRequest carries everything written when an interview ends.
type FinalizeRequest struct {
	// DurationSeconds is the session length.
	DurationSeconds int

	// Signals is the complete anti-cheat signal set (full replace).
	Signals []types.Signal

	// RecordingURL is set when a session recording was uploaded.
	RecordingURL string

	// Summary is an optional closing summary.
	Summary string
}

// UploadTarget is a signed, time-limited upload slot for a recording file.
type UploadTarget struct {
	FileID           string
	BlobPath         string
	UploadURL        string
	ExpiresInMinutes int
}

// Store is the persistence boundary the session orchestrator writes through.
//
// Implementations must be safe for concurrent use. Append and signal calls
// for a single interview are serialized by the caller (the [Writer] queue);
// calls for different interviews may overlap.
type Store interface {
	// CreateOrResume returns the open (pending or in-progress) interview for
	// the application, creating one if none exists, and marks it in progress
	// with a start timestamp. Resuming rather than duplicating means a page
	// reload mid-interview continues the same record.
	CreateOrResume(ctx context.Context, applicationID string) (*Interview, error)

	// AppendTranscript appends one transcript segment. The store owns
	// sequence numbering.
	AppendTranscript(ctx context.Context, interviewID string, seg Segment) error

	// UpdateSignals replaces the interview's anti-cheat signal set. The full
	// set is written every time, so the call is idempotent.
	UpdateSignals(ctx context.Context, interviewID string, signals []types.Signal) error

	// Finalize marks the interview completed, writes the closing fields, and
	// transitions the owning application's status.
	Finalize(ctx context.Context, interviewID string, req FinalizeRequest) error

	// RecordingUploadURL mints a signed PUT slot for a recording file.
	// Stores without blob storage return an error wrapping
	// [errors.ErrUnsupported].
	RecordingUploadURL(ctx context.Context, fileName, contentType string) (*UploadTarget, error)
}
