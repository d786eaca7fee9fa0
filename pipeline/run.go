// Package pipeline implements the three-stage integration execution pipeline:
// runs seed streams, streams traverse paginated resources and publish child
// streams and data records, data records are normalized into the sink. All
// state lives in the database; queue messages only carry ids, so every stage
// re-reads current state on pickup and tolerates redelivery.
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

// Error locations recorded on failed units.
const (
	locationRunCheckIntegration = "run-check-integration"
	locationRunCheckHandler     = "run-check-handler"
	locationRunGenerateStreams  = "run-generate-streams"
	locationStreamRunState      = "check-stream-run-state"
	locationStreamCheckHandler  = "stream-check-handler"
	locationStreamProcess       = "stream-process"
	locationStreamAbort         = "stream-abort"
	locationStreamRunAbort      = "stream-run-abort"
	locationStreamRunStop       = "stream-run-stop"
	locationDataRunState        = "check-data-run-state"
	locationDataCheckHandler    = "data-check-handler"
	locationDataProcess         = "data-process"
	locationDataAbort           = "data-abort"
	locationDataRunAbort        = "data-run-abort"
	locationDataRunStop         = "data-run-stop"
)

// CacheFactory builds the run-scoped cache handlers see. Production wires
// repository.NewRunCache; tests substitute an in-memory store.
type CacheFactory func(runID string) repository.CacheRepository

// RunService drives the first pipeline stage: stream generation.
type RunService struct {
	log          *logrus.Logger
	runs         repository.RunRepository
	streams      repository.StreamRepository
	integrations repository.IntegrationRepository
	registry     *Registry
	emitter      *queue.Emitter
	cacheFor     CacheFactory
}

// NewRunService creates a run service.
func NewRunService(
	log *logrus.Logger,
	runs repository.RunRepository,
	streams repository.StreamRepository,
	integrations repository.IntegrationRepository,
	registry *Registry,
	emitter *queue.Emitter,
	cacheFor CacheFactory,
) *RunService {
	return &RunService{
		log:          log,
		runs:         runs,
		streams:      streams,
		integrations: integrations,
		registry:     registry,
		emitter:      emitter,
		cacheFor:     cacheFor,
	}
}

// Trigger creates a run for the integration and enqueues it.
func (s *RunService) Trigger(ctx context.Context, integrationID string, onboarding bool) (string, error) {
	integration, err := s.integrations.Find(ctx, integrationID)
	if err != nil {
		return "", err
	}

	run := &repository.Run{
		ID:            uuid.NewString(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Onboarding:    onboarding,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return "", err
	}
	if err := s.emitter.ProcessRun(ctx, run.TenantID, run.ID); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Process handles one process_run message. A nil return acknowledges the
// message; a non-nil return leaves it for redelivery.
func (s *RunService) Process(ctx context.Context, runID string) error {
	run, err := s.runs.Find(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.WithField("runId", runID).Warn("run not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{
		"runId":    run.ID,
		"tenantId": run.TenantID,
	})

	if run.State == repository.StateProcessed || run.State == repository.StateError {
		log.Debug("run already terminal, dropping message")
		return nil
	}

	integration, err := s.integrations.Find(ctx, run.IntegrationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("integration missing or deleted, stopping run")
		return s.runs.MarkError(ctx, run.ID, &repository.UnitError{
			Location: locationRunCheckIntegration,
			Message:  "integration not found or deleted",
		})
	}
	if err != nil {
		return err
	}

	svc, ok := s.registry.Lookup(integration.Platform)
	if !ok || svc.GenerateStreams == nil {
		log.WithField("platform", integration.Platform).Error("no handler registered for platform")
		return s.runs.MarkError(ctx, run.ID, &repository.UnitError{
			Location: locationRunCheckHandler,
			Message:  "no handler registered for platform " + integration.Platform,
		})
	}

	// A run that already seeded streams is being resumed, not restarted.
	// Re-drive its pending streams instead of generating again.
	count, err := s.streams.CountByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return s.redrivePending(ctx, log, run.ID)
	}

	ok, err = s.runs.MarkInProgress(ctx, run.ID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("run not startable, dropping message")
		return nil
	}

	rc := &RunContext{
		Log:         log,
		Onboarding:  run.Onboarding,
		Integration: integration,
		Cache:       s.cacheFor(run.ID),
		publishStream: func(ctx context.Context, identifier string, data map[string]interface{}) error {
			return s.publishRootStream(ctx, run, identifier, data)
		},
	}

	if err := svc.GenerateStreams(ctx, rc); err != nil {
		log.WithError(err).Error("stream generation failed")
		return s.runs.MarkError(ctx, run.ID, &repository.UnitError{
			Location: locationRunGenerateStreams,
			Message:  err.Error(),
		})
	}

	log.Info("run streams generated")
	return nil
}

// ProcessStreamError handles a stream_error diagnostic message.
func (s *RunService) ProcessStreamError(ctx context.Context, msg *queue.Message) error {
	s.log.WithFields(logrus.Fields{
		"runId":    msg.RunID,
		"streamId": msg.StreamID,
		"location": msg.Location,
	}).Error(msg.Message)
	return nil
}

func (s *RunService) redrivePending(ctx context.Context, log *logrus.Entry, runID string) error {
	refs, err := s.streams.FindPendingByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.emitter.ProcessStream(ctx, ref.TenantID, ref.ID); err != nil {
			return err
		}
	}
	log.WithField("streams", len(refs)).Info("resumed run, re-enqueued pending streams")
	return nil
}

func (s *RunService) publishRootStream(ctx context.Context, run *repository.Run, identifier string, data map[string]interface{}) error {
	stream := &repository.Stream{
		ID:            uuid.NewString(),
		RunID:         run.ID,
		TenantID:      run.TenantID,
		IntegrationID: run.IntegrationID,
		Identifier:    identifier,
		Data:          data,
	}
	created, err := s.streams.Create(ctx, stream)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.emitter.ProcessStream(ctx, run.TenantID, stream.ID)
}

// now is replaceable in tests.
var now = time.Now
