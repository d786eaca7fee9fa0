package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/db/repository"
	"ingest.groundswell.dev/queue"
)

// Sweeper resumes delayed work and finalizes finished runs. It is the only
// mechanism by which rate-limited work comes back: delayed runs and streams
// whose delay elapsed are promoted and their messages re-enqueued.
//
// Every operation is idempotent, so multiple sweeper instances may run
// concurrently.
type Sweeper struct {
	log      *logrus.Logger
	runs     repository.RunRepository
	streams  repository.StreamRepository
	data     repository.DataRepository
	emitter  *queue.Emitter
	interval time.Duration
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(
	log *logrus.Logger,
	runs repository.RunRepository,
	streams repository.StreamRepository,
	data repository.DataRepository,
	emitter *queue.Emitter,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		log:      log,
		runs:     runs,
		streams:  streams,
		data:     data,
		emitter:  emitter,
		interval: interval,
	}
}

// Run sweeps on every tick until the context is cancelled. Sweep errors are
// logged, not fatal; the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// Sweep performs one pass: promote due delayed runs and streams, then
// finalize runs with no live work left.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ts := now()

	// Runs first: a stream of a still-delayed run would fail its
	// run-state check if re-enqueued before the run resumes.
	runRefs, err := s.runs.PromoteDueDelayed(ctx, ts)
	if err != nil {
		return err
	}
	for _, ref := range runRefs {
		pending, err := s.streams.FindPendingByRun(ctx, ref.ID)
		if err != nil {
			return err
		}
		for _, stream := range pending {
			if err := s.emitter.ProcessStream(ctx, stream.TenantID, stream.ID); err != nil {
				return err
			}
		}

		// Data records reset by a rate limit have no queue message left;
		// their only way back is this re-enqueue.
		pendingData, err := s.data.FindPendingByRun(ctx, ref.ID)
		if err != nil {
			return err
		}
		for _, record := range pendingData {
			if err := s.emitter.ProcessData(ctx, record.TenantID, record.ID); err != nil {
				return err
			}
		}

		s.log.WithFields(logrus.Fields{
			"runId":   ref.ID,
			"streams": len(pending),
			"data":    len(pendingData),
		}).Info("resumed delayed run")
	}

	streamRefs, err := s.streams.PromoteDueDelayed(ctx, ts)
	if err != nil {
		return err
	}
	for _, ref := range streamRefs {
		if err := s.emitter.ProcessStream(ctx, ref.TenantID, ref.ID); err != nil {
			return err
		}
		s.log.WithField("streamId", ref.ID).Info("resumed delayed stream")
	}

	finishable, err := s.runs.FinishableRuns(ctx)
	if err != nil {
		return err
	}
	for _, ref := range finishable {
		if err := s.runs.MarkProcessed(ctx, ref.ID); err != nil {
			return err
		}
		s.log.WithField("runId", ref.ID).Info("run processed")
	}

	return nil
}
