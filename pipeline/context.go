package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/db/repository"
)

// The contexts below are the complete side-effect surface a handler sees.
// Handlers never touch repositories or queues directly; every mutation goes
// through a context operation so the pipeline controls persistence order.

type publishStreamFunc func(ctx context.Context, identifier string, data map[string]interface{}) error
type publishDataFunc func(ctx context.Context, payload map[string]interface{}) error
type mergeSettingsFunc func(ctx context.Context, partial map[string]interface{}) error

// RunContext is passed to GenerateStreams. Its only mutation is seeding root
// streams.
type RunContext struct {
	Log         *logrus.Entry
	Onboarding  bool
	Integration *repository.Integration
	Cache       repository.CacheRepository

	publishStream publishStreamFunc
}

// PublishStream persists a root stream and enqueues it. Publishing an
// identifier that already exists under the run is a no-op.
func (c *RunContext) PublishStream(ctx context.Context, identifier string, data map[string]interface{}) error {
	return c.publishStream(ctx, identifier, data)
}

// StreamSnapshot is the handler-visible view of the stream being processed.
type StreamSnapshot struct {
	Identifier string
	Type       repository.StreamType
	Data       map[string]interface{}
}

// StreamContext is passed to ProcessStream.
type StreamContext struct {
	Log         *logrus.Entry
	Onboarding  bool
	Integration *repository.Integration
	Stream      StreamSnapshot
	Cache       repository.CacheRepository

	publishStream publishStreamFunc
	publishData   publishDataFunc
	mergeSettings mergeSettingsFunc
}

// PublishStream persists a child stream under the current stream and enqueues
// it. Duplicate identifiers within the run are dropped silently.
func (c *StreamContext) PublishStream(ctx context.Context, identifier string, data map[string]interface{}) error {
	return c.publishStream(ctx, identifier, data)
}

// PublishData persists a data record produced by this stream and enqueues it
// for the data worker.
func (c *StreamContext) PublishData(ctx context.Context, payload map[string]interface{}) error {
	return c.publishData(ctx, payload)
}

// UpdateIntegrationSettings merges the partial into the integration settings.
// The merge is shallow: top-level keys in the partial replace stored ones.
func (c *StreamContext) UpdateIntegrationSettings(ctx context.Context, partial map[string]interface{}) error {
	return c.mergeSettings(ctx, partial)
}

// AbortWithError returns an error that terminates this stream without
// retrying. Handlers return it directly.
func (c *StreamContext) AbortWithError(message string, metadata map[string]interface{}) error {
	return &AbortError{Scope: AbortUnit, Message: message, Metadata: metadata}
}

// AbortRunWithError returns an error that terminates the owning run.
// Remaining streams of the run fail their run-state check and never invoke a
// handler.
func (c *StreamContext) AbortRunWithError(message string, metadata map[string]interface{}) error {
	return &AbortError{Scope: AbortRun, Message: message, Metadata: metadata}
}

// DataContext is passed to ProcessData. Data handlers write to the sink and
// may update settings, but cannot publish further work.
type DataContext struct {
	Log         *logrus.Entry
	Onboarding  bool
	Integration *repository.Integration
	Data        map[string]interface{}
	Cache       repository.CacheRepository
	Sink        Sink

	mergeSettings mergeSettingsFunc
}

// UpdateIntegrationSettings merges the partial into the integration settings.
func (c *DataContext) UpdateIntegrationSettings(ctx context.Context, partial map[string]interface{}) error {
	return c.mergeSettings(ctx, partial)
}

// AbortWithError returns an error that terminates this data record without
// retrying.
func (c *DataContext) AbortWithError(message string, metadata map[string]interface{}) error {
	return &AbortError{Scope: AbortUnit, Message: message, Metadata: metadata}
}

// AbortRunWithError returns an error that terminates the owning run.
func (c *DataContext) AbortRunWithError(message string, metadata map[string]interface{}) error {
	return &AbortError{Scope: AbortRun, Message: message, Metadata: metadata}
}
