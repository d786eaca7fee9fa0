// Package worker provides the receive loop shared by the pipeline workers.
// A pool long-polls one queue and fans received messages out to a processor,
// capped at a configured number of in-flight units.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/queue"
	"ingest.groundswell.dev/statemanager"
)

// Receiver is the queue side of the loop.
type Receiver interface {
	Receive(ctx context.Context) (*queue.ReceivedMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Processor handles one message. A nil return acknowledges the message; a
// non-nil return leaves it on the queue for redelivery after the visibility
// timeout.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, msg *queue.Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

// Pool runs the receive loop for one queue.
type Pool struct {
	log           *logrus.Logger
	name          string
	receiver      Receiver
	processor     Processor
	states        *statemanager.Manager
	maxConcurrent int64
	idleWait      time.Duration

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewPool creates a pool processing at most maxConcurrent messages at once.
func NewPool(log *logrus.Logger, name string, receiver Receiver, processor Processor, maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{
		log:           log,
		name:          name,
		receiver:      receiver,
		processor:     processor,
		states:        statemanager.New(statemanager.Config{Worker: name}),
		maxConcurrent: int64(maxConcurrent),
		idleWait:      time.Second,
	}
}

// States exposes the unit tracking of this pool.
func (p *Pool) States() *statemanager.Manager {
	return p.states
}

// Run polls until the context is cancelled, then waits for in-flight units
// to finish. Receive errors are logged and retried after a short wait.
func (p *Pool) Run(ctx context.Context) {
	p.log.WithField("worker", p.name).Info("worker started")

	for {
		select {
		case <-ctx.Done():
			p.log.WithField("worker", p.name).Info("worker draining")
			p.wg.Wait()
			p.log.WithField("worker", p.name).Info("worker stopped")
			return
		default:
		}

		if p.inFlight.Load() >= p.maxConcurrent {
			p.sleep(ctx)
			continue
		}

		received, err := p.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.WithField("worker", p.name).WithError(err).Error("receive failed")
			p.sleep(ctx)
			continue
		}
		if received == nil {
			continue
		}

		p.inFlight.Add(1)
		p.wg.Add(1)
		go p.process(ctx, received)
	}
}

func (p *Pool) process(ctx context.Context, received *queue.ReceivedMessage) {
	defer p.wg.Done()
	defer p.inFlight.Add(-1)

	msg := received.Message
	unit := p.states.Start(unitID(msg), string(msg.Type), msg.TenantID)

	err := p.processor.Process(ctx, msg)
	p.states.Complete(unit.ID, err)
	if err != nil {
		// Not acknowledged: the message reappears after the visibility
		// timeout and the unit is re-driven from database state.
		p.log.WithFields(logrus.Fields{
			"worker": p.name,
			"type":   msg.Type,
			"unit":   unit.ID,
		}).WithError(err).Error("message processing failed")
		return
	}

	if err := p.receiver.Delete(ctx, received.ReceiptHandle); err != nil {
		p.log.WithField("worker", p.name).WithError(err).Error("failed to delete message")
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.idleWait):
	}
}

func unitID(msg *queue.Message) string {
	switch {
	case msg.DataID != "":
		return msg.DataID
	case msg.StreamID != "":
		return msg.StreamID
	default:
		return msg.RunID
	}
}
