// Package busqueue moves workflow events and repair outputs through
// SQS: a long-polling consumer on the inbound side, senders for the
// output queue and the DLQ on the outbound side.
package busqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/elephant-data/oversight/pkg/models"
)

const (
	waitTimeSeconds   = 20
	maxBatchMessages  = 10
	visibilityTimeout = 120
)

// Handler processes one decoded workflow event. A returned error
// leaves the message on the queue for redelivery.
type Handler interface {
	HandleEvent(ctx context.Context, ev *models.WorkflowEvent) error
}

type sqsReceiveAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Consumer long-polls the event queue and hands each message to the
// handler. Messages are deleted only after the handler succeeds, so
// redelivery plus the store's idempotency tokens give exactly-once
// observable effects.
type Consumer struct {
	client   sqsReceiveAPI
	queueURL string
	handler  Handler
	workers  int
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewConsumer creates an event consumer.
func NewConsumer(client *sqs.Client, queueURL string, handler Handler, workers int, logger *slog.Logger) *Consumer {
	if client == nil {
		panic("NewConsumer: sqs client must not be nil")
	}
	if queueURL == "" {
		panic("NewConsumer: queue URL must not be empty")
	}
	if handler == nil {
		panic("NewConsumer: handler must not be nil")
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		workers:  workers,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the polling workers. Safe to call once.
func (c *Consumer) Start(ctx context.Context) {
	if c.started {
		c.logger.Warn("consumer already started, ignoring duplicate Start call")
		return
	}
	c.started = true
	c.logger.Info("starting event consumer", "workers", c.workers, "queue", c.queueURL)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.run(ctx, id)
		}(i)
	}
}

// Stop signals the workers and waits for in-flight events to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("event consumer stopped")
}

// QueueDepth returns the approximate number of visible messages on the
// event queue.
func (c *Consumer) QueueDepth(ctx context.Context) (int64, error) {
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read queue attributes: %w", err)
	}
	raw, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return 0, fmt.Errorf("queue attributes missing message count")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable queue depth %q: %w", raw, err)
	}
	return n, nil
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	log := c.logger.With("worker", workerID)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			WaitTimeSeconds:     waitTimeSeconds,
			MaxNumberOfMessages: maxBatchMessages,
			VisibilityTimeout:   visibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to receive messages", "error", err)
			continue
		}

		for _, msg := range out.Messages {
			if err := c.processMessage(ctx, msg.Body, msg.MessageId); err != nil {
				log.Error("event handling failed, leaving message for redelivery",
					"message_id", aws.ToString(msg.MessageId),
					"error", err)
				continue
			}
			_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				// The handler is idempotent per event ID; redelivery
				// after a failed delete converges to the same state.
				log.Warn("failed to delete handled message",
					"message_id", aws.ToString(msg.MessageId),
					"error", err)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, body, messageID *string) error {
	if body == nil {
		return fmt.Errorf("message has no body")
	}
	var ev models.WorkflowEvent
	if err := json.Unmarshal([]byte(*body), &ev); err != nil {
		return fmt.Errorf("failed to decode workflow event: %w", err)
	}
	if ev.EventID == "" {
		// The bus message ID serves as the idempotency token when the
		// producer did not assign one.
		ev.EventID = aws.ToString(messageID)
	}
	return c.handler.HandleEvent(ctx, &ev)
}
