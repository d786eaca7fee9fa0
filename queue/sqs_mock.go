package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MockSQS is an in-memory SQSAPI for tests. Messages are delivered in FIFO
// order per queue; received messages move to an in-flight set keyed by
// receipt handle until deleted or redelivered.
type MockSQS struct {
	mu       sync.Mutex
	queues   map[string][]types.Message
	inFlight map[string]inFlightMessage
	seq      int
}

type inFlightMessage struct {
	queueURL string
	msg      types.Message
}

// NewMockSQS creates an empty in-memory SQS.
func NewMockSQS() *MockSQS {
	return &MockSQS{
		queues:   make(map[string][]types.Message),
		inFlight: make(map[string]inFlightMessage),
	}
}

func (m *MockSQS) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := "mock://" + aws.ToString(params.QueueName)
	if _, ok := m.queues[url]; !ok {
		m.queues[url] = nil
	}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (m *MockSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := "mock://" + aws.ToString(params.QueueName)
	if _, ok := m.queues[url]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (m *MockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := aws.ToString(params.QueueUrl)
	if _, ok := m.queues[url]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}

	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	m.queues[url] = append(m.queues[url], types.Message{
		MessageId:     aws.String(id),
		Body:          params.MessageBody,
		ReceiptHandle: aws.String("receipt-" + id),
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (m *MockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := aws.ToString(params.QueueUrl)
	pending := m.queues[url]
	if len(pending) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}

	msg := pending[0]
	m.queues[url] = pending[1:]
	m.inFlight[aws.ToString(msg.ReceiptHandle)] = inFlightMessage{queueURL: url, msg: msg}

	return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
}

func (m *MockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

// Redeliver returns all in-flight messages to the front of their queues, as
// SQS does when a visibility timeout expires.
func (m *MockSQS) Redeliver() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for handle, inf := range m.inFlight {
		m.queues[inf.queueURL] = append([]types.Message{inf.msg}, m.queues[inf.queueURL]...)
		delete(m.inFlight, handle)
	}
}

// Depth reports the number of deliverable messages in the named queue.
func (m *MockSQS) Depth(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queues["mock://"+queueName])
}
