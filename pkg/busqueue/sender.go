package busqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Sender writes to the output queue and the repair DLQ.
type Sender struct {
	client         sqsSendAPI
	outputQueueURL string
	dlqURL         string
}

// NewSender creates a sender. Either URL may be empty when that leg is
// not deployed; sending to an unconfigured queue fails loudly.
func NewSender(client *sqs.Client, outputQueueURL, dlqURL string) *Sender {
	if client == nil {
		panic("NewSender: sqs client must not be nil")
	}
	return &Sender{client: client, outputQueueURL: outputQueueURL, dlqURL: dlqURL}
}

// SendTransactionItems forwards a committed validation's transaction
// items to the output queue, one message per item.
func (s *Sender) SendTransactionItems(ctx context.Context, items []json.RawMessage) error {
	if s.outputQueueURL == "" {
		return fmt.Errorf("output queue is not configured")
	}
	for i, item := range items {
		_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.outputQueueURL),
			MessageBody: aws.String(string(item)),
		})
		if err != nil {
			return fmt.Errorf("failed to send transaction item %d/%d: %w", i+1, len(items), err)
		}
	}
	return nil
}

// DLQEntry points the repair DLQ back at the original inbound object.
type DLQEntry struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// SendToDLQ parks an exhausted execution's source object for manual
// intervention.
func (s *Sender) SendToDLQ(ctx context.Context, entry DLQEntry) error {
	if s.dlqURL == "" {
		return fmt.Errorf("DLQ is not configured")
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode DLQ entry: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.dlqURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send DLQ entry: %w", err)
	}
	return nil
}
