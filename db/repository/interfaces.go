// Package repository provides the state repositories for the integration
// execution pipeline. The database is the single source of truth: queue
// messages carry only ids, and every worker re-reads entity state on pickup.
//
// Repository types:
//
//   - RunRepository: integration runs (one logical execution)
//   - StreamRepository: pagination / sub-resource traversal units under a run
//   - DataRepository: produced records awaiting sink ingestion
//   - IntegrationRepository: integration rows incl. the mutable settings blob
//   - CacheRepository: run-scoped ephemeral key-value store with TTL
//
// State columns form a monotone lattice (pending < processing < terminal);
// transitions are guarded in the WHERE clause so a late write of an earlier
// state is rejected rather than applied.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// State values shared by runs, streams and data records. Data records never
// enter StateDelayed; their retry delay rides on queue redelivery instead.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateDelayed    = "delayed"
	StateError      = "error"
	StateProcessed  = "processed"
)

// StreamType distinguishes root streams seeded by generateStreams from
// children published during stream processing.
type StreamType string

const (
	StreamTypeRoot  StreamType = "root"
	StreamTypeChild StreamType = "child"
)

// UnitError is the structured error persisted on a failed unit.
type UnitError struct {
	Location string                 `json:"location"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Run represents one execution of an integration for a tenant.
type Run struct {
	ID            string
	TenantID      string
	IntegrationID string
	Onboarding    bool
	State         string
	DelayedUntil  *time.Time
	Error         *UnitError
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stream is a unit of paginated or hierarchical traversal within a run.
type Stream struct {
	ID            string
	RunID         string
	ParentID      *string
	TenantID      string
	IntegrationID string
	Identifier    string
	Data          map[string]interface{}
	State         string
	DelayedUntil  *time.Time
	Retries       int
	Error         *UnitError
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Type derives the stream type from parent linkage.
func (s *Stream) Type() StreamType {
	if s.ParentID == nil {
		return StreamTypeRoot
	}
	return StreamTypeChild
}

// Data is a produced record awaiting normalization into the sink.
type Data struct {
	ID        string
	StreamID  string
	RunID     string
	TenantID  string
	Data      map[string]interface{}
	State     string
	Retries   int
	Error     *UnitError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Integration is the configured external source a run executes against.
type Integration struct {
	ID         string
	TenantID   string
	Platform   string
	Identifier string
	Status     string
	Settings   map[string]interface{}
}

// UnitRef identifies a unit together with its tenant, which is also its queue
// message group.
type UnitRef struct {
	ID       string
	TenantID string
}

// RunRepository manages run rows and their state transitions.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	Find(ctx context.Context, id string) (*Run, error)

	// MarkInProgress moves a pending or delayed run to processing. It is
	// idempotent for runs already processing and reports false for runs
	// in a terminal state.
	MarkInProgress(ctx context.Context, id string) (bool, error)

	// Delay pauses a processing run until the given time (rate limiting).
	Delay(ctx context.Context, id string, until time.Time) error

	MarkError(ctx context.Context, id string, serr *UnitError) error

	// PromoteDueDelayed moves delayed runs whose delay elapsed back to
	// processing and returns them so their pending streams can be
	// re-enqueued.
	PromoteDueDelayed(ctx context.Context, now time.Time) ([]UnitRef, error)

	// FinishableRuns returns processing runs that seeded at least one
	// stream and have no descendant stream or data row still live.
	FinishableRuns(ctx context.Context) ([]UnitRef, error)

	// MarkProcessed finalizes a processing run and stamps processedAt.
	MarkProcessed(ctx context.Context, id string) error
}

// StreamRepository manages stream rows and their state transitions.
type StreamRepository interface {
	// Create inserts a stream; duplicates by (runID, identifier) are
	// dropped and reported as created=false.
	Create(ctx context.Context, stream *Stream) (created bool, err error)

	Find(ctx context.Context, id string) (*Stream, error)
	CountByRun(ctx context.Context, runID string) (int, error)
	FindPendingByRun(ctx context.Context, runID string) ([]UnitRef, error)

	// MarkInProgress moves a pending stream to processing. Re-entry while
	// already processing is allowed (at-least-once delivery); terminal and
	// delayed streams report false.
	MarkInProgress(ctx context.Context, id string) (bool, error)

	MarkProcessed(ctx context.Context, id string) error

	// Reset returns a processing stream to pending without touching its
	// retry count (rate-limit path).
	Reset(ctx context.Context, id string) error

	// Delay parks a processing stream until the given time, recording the
	// incremented retry count and the triggering error.
	Delay(ctx context.Context, id string, until time.Time, retries int, serr *UnitError) error

	MarkError(ctx context.Context, id string, serr *UnitError) error

	// MarkExhausted marks a processing stream ERROR recording its final
	// retry count (budget + 1).
	MarkExhausted(ctx context.Context, id string, retries int, serr *UnitError) error

	// PromoteDueDelayed moves due delayed streams of processing runs back
	// to pending and returns them for re-enqueueing.
	PromoteDueDelayed(ctx context.Context, now time.Time) ([]UnitRef, error)
}

// DataRepository manages data rows and their state transitions.
type DataRepository interface {
	Create(ctx context.Context, data *Data) error
	Find(ctx context.Context, id string) (*Data, error)
	FindPendingByRun(ctx context.Context, runID string) ([]UnitRef, error)
	MarkInProgress(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error

	// ResetForRetry returns a processing data record to pending with an
	// incremented retry count; redelivery drives the next attempt.
	ResetForRetry(ctx context.Context, id string, retries int, serr *UnitError) error

	MarkError(ctx context.Context, id string, serr *UnitError) error

	// MarkExhausted marks a processing data record ERROR recording its
	// final retry count.
	MarkExhausted(ctx context.Context, id string, retries int, serr *UnitError) error
}

// IntegrationRepository manages integration rows. Find excludes soft-deleted
// integrations.
type IntegrationRepository interface {
	Find(ctx context.Context, id string) (*Integration, error)

	// MergeSettings merges the partial into the integration settings
	// server-side (jsonb ||), replacing top-level keys only.
	MergeSettings(ctx context.Context, id string, partial map[string]interface{}) error
}

// CacheRepository is a key-value store with TTL. Run-scoped instances prefix
// every key with the run namespace; see NewRunCache.
type CacheRepository interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, key string) error
}
