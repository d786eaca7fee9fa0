package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/db/repository"
	"ingest.groundswell.dev/queue"
)

// StreamService drives the second pipeline stage: stream traversal.
type StreamService struct {
	log          *logrus.Logger
	runs         repository.RunRepository
	streams      repository.StreamRepository
	data         repository.DataRepository
	integrations repository.IntegrationRepository
	registry     *Registry
	emitter      *queue.Emitter
	cacheFor     CacheFactory

	maxRetries   int
	retryBackoff time.Duration
}

// NewStreamService creates a stream service. retryBackoff is the linear
// backoff unit: attempt n is delayed n times the backoff.
func NewStreamService(
	log *logrus.Logger,
	runs repository.RunRepository,
	streams repository.StreamRepository,
	data repository.DataRepository,
	integrations repository.IntegrationRepository,
	registry *Registry,
	emitter *queue.Emitter,
	cacheFor CacheFactory,
	maxRetries int,
	retryBackoff time.Duration,
) *StreamService {
	return &StreamService{
		log:          log,
		runs:         runs,
		streams:      streams,
		data:         data,
		integrations: integrations,
		registry:     registry,
		emitter:      emitter,
		cacheFor:     cacheFor,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// Process handles one process_stream message. A nil return acknowledges the
// message; a non-nil return leaves it for redelivery after the visibility
// timeout.
func (s *StreamService) Process(ctx context.Context, streamID string) error {
	stream, err := s.streams.Find(ctx, streamID)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.WithField("streamId", streamID).Warn("stream not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{
		"streamId": stream.ID,
		"runId":    stream.RunID,
		"tenantId": stream.TenantID,
	})

	// Redelivery of an already finished unit is a no-op.
	if stream.State == repository.StateProcessed || stream.State == repository.StateError {
		log.Debug("stream already terminal, dropping message")
		return nil
	}

	run, err := s.runs.Find(ctx, stream.RunID)
	if err != nil {
		return err
	}
	if run.State != repository.StateProcessing {
		log.WithField("runState", run.State).Warn("run no longer processing, stopping stream")
		return s.streams.MarkError(ctx, stream.ID, &repository.UnitError{
			Location: locationStreamRunState,
			Message:  "run is in state " + run.State,
		})
	}

	integration, err := s.integrations.Find(ctx, stream.IntegrationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("integration missing or deleted, stopping stream")
		return s.streams.MarkError(ctx, stream.ID, &repository.UnitError{
			Location: locationStreamRunState,
			Message:  "integration not found or deleted",
		})
	}
	if err != nil {
		return err
	}

	svc, ok := s.registry.Lookup(integration.Platform)
	if !ok || svc.ProcessStream == nil {
		log.WithField("platform", integration.Platform).Error("no handler registered for platform")
		return s.streams.MarkError(ctx, stream.ID, &repository.UnitError{
			Location: locationStreamCheckHandler,
			Message:  "no handler registered for platform " + integration.Platform,
		})
	}

	ok, err = s.streams.MarkInProgress(ctx, stream.ID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("stream not startable, dropping message")
		return nil
	}

	sc := &StreamContext{
		Log:         log,
		Onboarding:  run.Onboarding,
		Integration: integration,
		Stream: StreamSnapshot{
			Identifier: stream.Identifier,
			Type:       stream.Type(),
			Data:       stream.Data,
		},
		Cache: s.cacheFor(run.ID),
		publishStream: func(ctx context.Context, identifier string, data map[string]interface{}) error {
			return s.publishChildStream(ctx, stream, identifier, data)
		},
		publishData: func(ctx context.Context, payload map[string]interface{}) error {
			return s.publishData(ctx, stream, payload)
		},
		mergeSettings: func(ctx context.Context, partial map[string]interface{}) error {
			return s.integrations.MergeSettings(ctx, integration.ID, partial)
		},
	}

	if err := svc.ProcessStream(ctx, sc); err != nil {
		return s.handleProcessError(ctx, log, run, stream, err)
	}

	if err := s.streams.MarkProcessed(ctx, stream.ID); err != nil {
		return err
	}
	log.Debug("stream processed")
	return nil
}

// handleProcessError applies the error policy of the stream stage: rate
// limits pause the run, aborts are terminal, anything else retries with
// linear backoff until the budget is exhausted.
func (s *StreamService) handleProcessError(ctx context.Context, log *logrus.Entry, run *repository.Run, stream *repository.Stream, procErr error) error {
	var rateLimit *RateLimitError
	if errors.As(procErr, &rateLimit) {
		until := now().Add(time.Duration(rateLimit.ResetSeconds) * time.Second)
		log.WithField("delayedUntil", until).Warn("rate limited, pausing run")
		if err := s.streams.Reset(ctx, stream.ID); err != nil {
			return err
		}
		// The sweeper re-enqueues this stream once the run resumes, so
		// the current message is acknowledged.
		return s.runs.Delay(ctx, run.ID, until)
	}

	var abort *AbortError
	if errors.As(procErr, &abort) {
		if abort.Scope == AbortRun {
			log.WithError(procErr).Error("handler aborted run")
			if err := s.runs.MarkError(ctx, run.ID, &repository.UnitError{
				Location: locationStreamRunAbort,
				Message:  abort.Message,
				Metadata: abort.Metadata,
			}); err != nil {
				return err
			}
		} else {
			log.WithError(procErr).Error("handler aborted stream")
		}
		return s.streams.MarkError(ctx, stream.ID, &repository.UnitError{
			Location: locationStreamAbort,
			Message:  abort.Message,
			Metadata: abort.Metadata,
		})
	}

	serr := &repository.UnitError{
		Location: locationStreamProcess,
		Message:  procErr.Error(),
	}

	retries := stream.Retries + 1
	if retries <= s.maxRetries {
		until := now().Add(time.Duration(retries) * s.retryBackoff)
		log.WithError(procErr).WithFields(logrus.Fields{
			"retries":      retries,
			"delayedUntil": until,
		}).Warn("stream failed, delaying for retry")
		if err := s.streams.Delay(ctx, stream.ID, until, retries, serr); err != nil {
			return err
		}
		// The message stays on the queue; redelivery finds the stream
		// delayed and drops, the sweeper drives the retry.
		return procErr
	}

	log.WithError(procErr).Error("stream retries exhausted, stopping run")
	if err := s.streams.MarkExhausted(ctx, stream.ID, retries, serr); err != nil {
		return err
	}
	if err := s.runs.MarkError(ctx, run.ID, &repository.UnitError{
		Location: locationStreamRunStop,
		Message:  "stream " + stream.ID + " exhausted its retries",
	}); err != nil {
		return err
	}
	return s.emitter.StreamError(ctx, run.TenantID, run.ID, stream.ID,
		locationStreamRunStop, procErr.Error(), nil)
}

func (s *StreamService) publishChildStream(ctx context.Context, parent *repository.Stream, identifier string, data map[string]interface{}) error {
	child := &repository.Stream{
		ID:            uuid.NewString(),
		RunID:         parent.RunID,
		ParentID:      &parent.ID,
		TenantID:      parent.TenantID,
		IntegrationID: parent.IntegrationID,
		Identifier:    identifier,
		Data:          data,
	}
	created, err := s.streams.Create(ctx, child)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.emitter.ProcessStream(ctx, parent.TenantID, child.ID)
}

func (s *StreamService) publishData(ctx context.Context, stream *repository.Stream, payload map[string]interface{}) error {
	record := &repository.Data{
		ID:       uuid.NewString(),
		StreamID: stream.ID,
		RunID:    stream.RunID,
		TenantID: stream.TenantID,
		Data:     payload,
	}
	if err := s.data.Create(ctx, record); err != nil {
		return err
	}
	return s.emitter.ProcessData(ctx, stream.TenantID, record.ID)
}
