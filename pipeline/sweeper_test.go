package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest.groundswell.dev/db/repository"
	"ingest.groundswell.dev/queue"
)

// TestSweepResumesDelayedRun verifies the rate-limit resume: once the delay
// elapses the run returns to processing and its pending streams are
// re-enqueued.
func TestSweepResumesDelayedRun(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := f.seedRun("run-1", "tenant-1", "int-1", repository.StateDelayed)
	until := base.Add(60 * time.Second)
	run.DelayedUntil = &until
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StatePending)

	// Before the delay elapses nothing moves.
	fixedNow(t, base.Add(30*time.Second))
	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateDelayed, got.State)
	assert.Zero(t, f.streamQ.count())

	// One second past the delay the run resumes and the stream is
	// re-enqueued.
	fixedNow(t, base.Add(61*time.Second))
	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err = f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessing, got.State)
	assert.Nil(t, got.DelayedUntil)

	require.Equal(t, 1, f.streamQ.count())
	msg := f.streamQ.all()[0]
	assert.Equal(t, queue.MessageTypeProcessStream, msg.Type)
	assert.Equal(t, "s-1", msg.StreamID)
}

// TestSweepResumesDelayedStream verifies retry resume: a delayed stream of a
// processing run goes back to pending and is re-enqueued once due.
func TestSweepResumesDelayedStream(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(t, base)

	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)
	stream := f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StateDelayed)
	until := base.Add(-time.Minute)
	stream.DelayedUntil = &until
	stream.Retries = 1

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.streams.Find(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatePending, got.State)
	assert.Equal(t, 1, got.Retries, "promotion must not touch retries")

	require.Equal(t, 1, f.streamQ.count())
	assert.Equal(t, "s-1", f.streamQ.all()[0].StreamID)
}

// TestSweepLeavesStreamsOfStoppedRuns verifies that delayed streams of an
// errored run are not promoted.
func TestSweepLeavesStreamsOfStoppedRuns(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(t, base)

	f.seedRun("run-1", "tenant-1", "int-1", repository.StateError)
	stream := f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StateDelayed)
	until := base.Add(-time.Minute)
	stream.DelayedUntil = &until

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.streams.Find(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateDelayed, got.State)
	assert.Zero(t, f.streamQ.count())
}

// TestSweepFinalizesRun verifies run completion: a processing run whose
// streams and data are all terminal becomes processed with a timestamp.
func TestSweepFinalizesRun(t *testing.T) {
	f := newFixture(t)
	fixedNow(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StateProcessed)
	f.seedStream("s-2", "run-1", "tenant-1", "int-1", "comments", repository.StateError)
	f.seedData("d-1", "s-1", "run-1", "tenant-1", repository.StateProcessed, nil)

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	run, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessed, run.State)
	assert.NotNil(t, run.ProcessedAt)
}

// TestSweepSkipsRunsWithLiveWork verifies a run with pending descendants is
// not finalized.
func TestSweepSkipsRunsWithLiveWork(t *testing.T) {
	f := newFixture(t)
	fixedNow(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StateProcessed)
	f.seedData("d-1", "s-1", "run-1", "tenant-1", repository.StatePending, nil)

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	run, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessing, run.State)
}

// TestSweepSkipsRunsWithoutStreams verifies a run that never seeded streams
// is not finalized: its generation may still be in flight.
func TestSweepSkipsRunsWithoutStreams(t *testing.T) {
	f := newFixture(t)
	fixedNow(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	run, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessing, run.State)
}

// TestSweepIdempotent verifies a second sweep after promotion changes
// nothing.
func TestSweepIdempotent(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(t, base)

	run := f.seedRun("run-1", "tenant-1", "int-1", repository.StateDelayed)
	until := base.Add(-time.Second)
	run.DelayedUntil = &until
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StatePending)

	require.NoError(t, f.sweeper.Sweep(context.Background()))
	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessing, got.State)
	assert.Equal(t, 1, f.streamQ.count(), "second sweep must not re-enqueue")
}

// TestRateLimitPauseAndResume runs the whole rate-limit cycle through the
// stream service and the sweeper.
func TestRateLimitPauseAndResume(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(t, base)

	f.seedIntegration("int-1", "tenant-1", nil)
	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StatePending)

	limited := true
	f.registry.Register(&Service{
		Platform: testPlatform,
		ProcessStream: func(ctx context.Context, sc *StreamContext) error {
			if limited {
				return &RateLimitError{ResetSeconds: 60}
			}
			return nil
		},
	})

	require.NoError(t, f.streamService.Process(context.Background(), "s-1"))

	run, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, repository.StateDelayed, run.State)

	// Sweep past the reset, then process the re-enqueued stream.
	limited = false
	fixedNow(t, base.Add(61*time.Second))
	require.NoError(t, f.sweeper.Sweep(context.Background()))
	require.Equal(t, 1, f.streamQ.count())

	require.NoError(t, f.streamService.Process(context.Background(), f.streamQ.all()[0].StreamID))

	stream, err := f.streams.Find(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessed, stream.State)
}

// TestDataRateLimitPauseAndResume runs the rate-limit cycle through the data
// service and the sweeper. The rate-limited data message is acked, so the
// sweeper must re-enqueue the pending record when the run resumes or it would
// stay pending forever and block finalization.
func TestDataRateLimitPauseAndResume(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(t, base)

	f.seedIntegration("int-1", "tenant-1", nil)
	f.seedRun("run-1", "tenant-1", "int-1", repository.StateProcessing)
	f.seedStream("s-1", "run-1", "tenant-1", "int-1", "posts", repository.StateProcessed)
	f.seedData("d-1", "s-1", "run-1", "tenant-1", repository.StatePending,
		map[string]interface{}{"sourceId": "a-1"})

	limited := true
	f.registry.Register(&Service{
		Platform: testPlatform,
		ProcessData: func(ctx context.Context, dc *DataContext) error {
			if limited {
				return &RateLimitError{ResetSeconds: 60}
			}
			return nil
		},
	})

	require.NoError(t, f.dataService.Process(context.Background(), "d-1"))

	run, err := f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, repository.StateDelayed, run.State)

	record, err := f.data.Find(context.Background(), "d-1")
	require.NoError(t, err)
	require.Equal(t, repository.StatePending, record.State)
	assert.Zero(t, record.Retries, "rate limit must not consume a retry")
	require.Zero(t, f.dataQ.count())

	// Sweep past the reset: the run resumes and the pending record gets a
	// fresh message.
	limited = false
	fixedNow(t, base.Add(61*time.Second))
	require.NoError(t, f.sweeper.Sweep(context.Background()))

	run, err = f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, repository.StateProcessing, run.State)

	require.Equal(t, 1, f.dataQ.count())
	msg := f.dataQ.all()[0]
	assert.Equal(t, queue.MessageTypeProcessData, msg.Type)
	require.Equal(t, "d-1", msg.DataID)

	require.NoError(t, f.dataService.Process(context.Background(), msg.DataID))

	record, err = f.data.Find(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessed, record.State)

	// With every descendant terminal the next sweep finalizes the run.
	require.NoError(t, f.sweeper.Sweep(context.Background()))
	run, err = f.runs.Find(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StateProcessed, run.State)
}
