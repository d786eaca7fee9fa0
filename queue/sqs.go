package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Config holds the connection settings for the SQS transport. Endpoint is
// optional; set it to target a local emulator instead of AWS.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string

	// VisibilityTimeout is how long a received message stays invisible
	// before SQS redelivers it, in seconds. It must exceed the longest
	// handler invocation.
	VisibilityTimeout int
	// WaitTimeSeconds is the long-poll interval for Receive.
	WaitTimeSeconds int
	// RetentionSeconds is how long unconsumed messages are kept.
	RetentionSeconds int
	// DeliveryDelay postpones delivery of sent messages, in seconds.
	DeliveryDelay int
}

// Client is an SQS-backed queue client bound to a single FIFO queue.
type Client struct {
	api      SQSAPI
	queueURL string
	cfg      Config
}

// NewSQSClient builds an SQS client from the config. Static credentials are
// used when provided, otherwise the default AWS credential chain applies.
func NewSQSClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewClient creates a queue client bound to the named FIFO queue, creating
// the queue if it does not exist yet.
func NewClient(ctx context.Context, api SQSAPI, queueName string, cfg Config) (*Client, error) {
	url, err := ensureQueue(ctx, api, queueName, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{api: api, queueURL: url, cfg: cfg}, nil
}

// ensureQueue creates the FIFO queue or resolves its URL if it already
// exists. Creation races between workers are tolerated.
func ensureQueue(ctx context.Context, api SQSAPI, queueName string, cfg Config) (string, error) {
	attrs := map[string]string{
		"FifoQueue": "true",
	}
	if cfg.VisibilityTimeout > 0 {
		attrs["VisibilityTimeout"] = fmt.Sprintf("%d", cfg.VisibilityTimeout)
	}
	if cfg.RetentionSeconds > 0 {
		attrs["MessageRetentionPeriod"] = fmt.Sprintf("%d", cfg.RetentionSeconds)
	}
	if cfg.DeliveryDelay > 0 {
		attrs["DelaySeconds"] = fmt.Sprintf("%d", cfg.DeliveryDelay)
	}

	out, err := api.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(queueName),
		Attributes: attrs,
	})
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}

	var exists *types.QueueNameExists
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("failed to create queue %s: %w", queueName, err)
	}

	urlOut, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue url for %s: %w", queueName, err)
	}
	return aws.ToString(urlOut.QueueUrl), nil
}

// URL returns the resolved queue URL.
func (c *Client) URL() string {
	return c.queueURL
}

// Send publishes a message into the queue under the given FIFO group. The
// deduplication id is unique per send so identical payloads may be enqueued
// repeatedly.
func (c *Client) Send(ctx context.Context, groupID string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(c.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(groupID),
		MessageDeduplicationId: aws.String(fmt.Sprintf("%s-%d", groupID, time.Now().UnixNano())),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", c.queueURL, err)
	}
	return nil
}

// ReceivedMessage is a delivered message together with the receipt handle
// needed to acknowledge it.
type ReceivedMessage struct {
	Message       *Message
	ReceiptHandle string
}

// Receive long-polls the queue for a single message. It returns nil when the
// poll times out without a delivery.
func (c *Client) Receive(ctx context.Context) (*ReceivedMessage, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(c.cfg.WaitTimeSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", c.queueURL, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue message: %w", err)
	}

	return &ReceivedMessage{
		Message:       &msg,
		ReceiptHandle: aws.ToString(raw.ReceiptHandle),
	}, nil
}

// Delete acknowledges a message. Unacknowledged messages reappear after the
// visibility timeout, which is what gives the pipeline at-least-once
// delivery.
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", c.queueURL, err)
	}
	return nil
}
