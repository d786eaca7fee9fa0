// Package queue provides the SQS FIFO transport between the pipeline stages.
// Messages carry ids only; the database is the source of truth for state.
// Ordering is per tenant: the tenant id is the FIFO message group, so one
// tenant's units process in order while tenants proceed in parallel.
package queue

import "context"

// MessageType discriminates the payloads travelling over the pipeline queues.
type MessageType string

const (
	// MessageTypeProcessRun triggers stream generation for a run.
	MessageTypeProcessRun MessageType = "process_run"
	// MessageTypeProcessStream triggers processing of a single stream.
	MessageTypeProcessStream MessageType = "process_stream"
	// MessageTypeProcessData triggers sink ingestion of a data record.
	MessageTypeProcessData MessageType = "process_data"
	// MessageTypeStreamError notifies the run worker that a stream
	// exhausted its retries and the run must stop.
	MessageTypeStreamError MessageType = "stream_error"
)

// Message is the wire envelope for all pipeline queues. Only the fields
// relevant to the message type are set.
type Message struct {
	Type     MessageType `json:"type"`
	TenantID string      `json:"tenantId"`
	RunID    string      `json:"runId,omitempty"`
	StreamID string      `json:"streamId,omitempty"`
	DataID   string      `json:"dataId,omitempty"`

	// Error notification fields, set for MessageTypeStreamError.
	Location string                 `json:"location,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Sender publishes a message into one queue under a FIFO message group.
type Sender interface {
	Send(ctx context.Context, groupID string, msg *Message) error
}

// Emitter publishes typed pipeline messages onto the right queues. The three
// stages each own a queue so their workers scale independently.
type Emitter struct {
	runs    Sender
	streams Sender
	data    Sender
}

// NewEmitter creates an emitter over the three stage queues.
func NewEmitter(runs, streams, data Sender) *Emitter {
	return &Emitter{runs: runs, streams: streams, data: data}
}

// ProcessRun enqueues a run for stream generation.
func (e *Emitter) ProcessRun(ctx context.Context, tenantID, runID string) error {
	return e.runs.Send(ctx, tenantID, &Message{
		Type:     MessageTypeProcessRun,
		TenantID: tenantID,
		RunID:    runID,
	})
}

// ProcessStream enqueues a stream for processing.
func (e *Emitter) ProcessStream(ctx context.Context, tenantID, streamID string) error {
	return e.streams.Send(ctx, tenantID, &Message{
		Type:     MessageTypeProcessStream,
		TenantID: tenantID,
		StreamID: streamID,
	})
}

// ProcessData enqueues a data record for sink ingestion.
func (e *Emitter) ProcessData(ctx context.Context, tenantID, dataID string) error {
	return e.data.Send(ctx, tenantID, &Message{
		Type:     MessageTypeProcessData,
		TenantID: tenantID,
		DataID:   dataID,
	})
}

// StreamError notifies the run queue that a stream failed permanently.
func (e *Emitter) StreamError(ctx context.Context, tenantID, runID, streamID, location, message string, metadata map[string]interface{}) error {
	return e.runs.Send(ctx, tenantID, &Message{
		Type:     MessageTypeStreamError,
		TenantID: tenantID,
		RunID:    runID,
		StreamID: streamID,
		Location: location,
		Message:  message,
		Metadata: metadata,
	})
}
