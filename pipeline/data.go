package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/db/repository"
)

// DataService drives the third pipeline stage: sink ingestion of produced
// records.
type DataService struct {
	log          *logrus.Logger
	runs         repository.RunRepository
	data         repository.DataRepository
	integrations repository.IntegrationRepository
	registry     *Registry
	sink         Sink
	cacheFor     CacheFactory

	maxRetries int
}

// NewDataService creates a data service.
func NewDataService(
	log *logrus.Logger,
	runs repository.RunRepository,
	data repository.DataRepository,
	integrations repository.IntegrationRepository,
	registry *Registry,
	sink Sink,
	cacheFor CacheFactory,
	maxRetries int,
) *DataService {
	return &DataService{
		log:          log,
		runs:         runs,
		data:         data,
		integrations: integrations,
		registry:     registry,
		sink:         sink,
		cacheFor:     cacheFor,
		maxRetries:   maxRetries,
	}
}

// Process handles one process_data message. Data records have no delayed
// state: failed records go back to pending and queue redelivery drives the
// next attempt.
func (s *DataService) Process(ctx context.Context, dataID string) error {
	record, err := s.data.Find(ctx, dataID)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.WithField("dataId", dataID).Warn("data record not found, dropping message")
		return nil
	}
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{
		"dataId":   record.ID,
		"streamId": record.StreamID,
		"runId":    record.RunID,
		"tenantId": record.TenantID,
	})

	if record.State == repository.StateProcessed || record.State == repository.StateError {
		log.Debug("data record already terminal, dropping message")
		return nil
	}

	run, err := s.runs.Find(ctx, record.RunID)
	if err != nil {
		return err
	}
	if run.State != repository.StateProcessing {
		log.WithField("runState", run.State).Warn("run no longer processing, stopping data record")
		return s.data.MarkError(ctx, record.ID, &repository.UnitError{
			Location: locationDataRunState,
			Message:  "run is in state " + run.State,
		})
	}

	integration, err := s.integrations.Find(ctx, run.IntegrationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("integration missing or deleted, stopping data record")
		return s.data.MarkError(ctx, record.ID, &repository.UnitError{
			Location: locationDataRunState,
			Message:  "integration not found or deleted",
		})
	}
	if err != nil {
		return err
	}

	svc, ok := s.registry.Lookup(integration.Platform)
	if !ok || svc.ProcessData == nil {
		log.WithField("platform", integration.Platform).Error("no handler registered for platform")
		return s.data.MarkError(ctx, record.ID, &repository.UnitError{
			Location: locationDataCheckHandler,
			Message:  "no handler registered for platform " + integration.Platform,
		})
	}

	ok, err = s.data.MarkInProgress(ctx, record.ID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("data record not startable, dropping message")
		return nil
	}

	dc := &DataContext{
		Log:         log,
		Onboarding:  run.Onboarding,
		Integration: integration,
		Data:        record.Data,
		Cache:       s.cacheFor(run.ID),
		Sink:        s.sink,
		mergeSettings: func(ctx context.Context, partial map[string]interface{}) error {
			return s.integrations.MergeSettings(ctx, integration.ID, partial)
		},
	}

	if err := svc.ProcessData(ctx, dc); err != nil {
		return s.handleProcessError(ctx, log, run, record, err)
	}

	if err := s.data.MarkProcessed(ctx, record.ID); err != nil {
		return err
	}
	log.Debug("data record processed")
	return nil
}

func (s *DataService) handleProcessError(ctx context.Context, log *logrus.Entry, run *repository.Run, record *repository.Data, procErr error) error {
	var rateLimit *RateLimitError
	if errors.As(procErr, &rateLimit) {
		until := now().Add(time.Duration(rateLimit.ResetSeconds) * time.Second)
		log.WithField("delayedUntil", until).Warn("rate limited, pausing run")
		// The retry count is untouched; the record waits out the run
		// delay as pending.
		if err := s.data.ResetForRetry(ctx, record.ID, record.Retries, nil); err != nil {
			return err
		}
		return s.runs.Delay(ctx, run.ID, until)
	}

	var abort *AbortError
	if errors.As(procErr, &abort) {
		if abort.Scope == AbortRun {
			log.WithError(procErr).Error("handler aborted run")
			if err := s.runs.MarkError(ctx, run.ID, &repository.UnitError{
				Location: locationDataRunAbort,
				Message:  abort.Message,
				Metadata: abort.Metadata,
			}); err != nil {
				return err
			}
		} else {
			log.WithError(procErr).Error("handler aborted data record")
		}
		return s.data.MarkError(ctx, record.ID, &repository.UnitError{
			Location: locationDataAbort,
			Message:  abort.Message,
			Metadata: abort.Metadata,
		})
	}

	serr := &repository.UnitError{
		Location: locationDataProcess,
		Message:  procErr.Error(),
	}

	retries := record.Retries + 1
	if retries <= s.maxRetries {
		log.WithError(procErr).WithField("retries", retries).Warn("data record failed, resetting for retry")
		if err := s.data.ResetForRetry(ctx, record.ID, retries, serr); err != nil {
			return err
		}
		// Leave the message on the queue; redelivery after the
		// visibility timeout is the retry.
		return procErr
	}

	log.WithError(procErr).Error("data record retries exhausted, stopping run")
	if err := s.data.MarkExhausted(ctx, record.ID, retries, serr); err != nil {
		return err
	}
	return s.runs.MarkError(ctx, run.ID, &repository.UnitError{
		Location: locationDataRunStop,
		Message:  "data record " + record.ID + " exhausted its retries",
	})
}
