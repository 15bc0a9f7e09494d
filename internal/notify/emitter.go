// Package notify publishes sync run events and metrics. Both are
// best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"marketsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSEmitter publishes each SyncEvent as a JSON message to the run event
// queue. Outcome and category travel as message attributes so subscribers
// can filter without parsing the body.
type SQSEmitter struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSEmitter creates an SQSEmitter targeting queueURL.
func NewSQSEmitter(client SQSSender, queueURL string, logger *slog.Logger) *SQSEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSEmitter{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Notify sends event to the queue.
func (e *SQSEmitter) Notify(ctx context.Context, event types.SyncEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal sync event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Outcome)),
			},
			"api_category": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Category)),
			},
		},
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("notify: failed to send sync event to %s: %w", e.queueURL, err)
	}

	e.logger.DebugContext(ctx, "sync event published",
		"run_id", event.RunID,
		"account_id", event.AccountID,
		"api_category", event.Category,
		"outcome", event.Outcome,
	)
	return nil
}

// LogEmitter writes events to the log. Used locally and when no queue is
// configured.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Notify logs event. It never fails.
func (e *LogEmitter) Notify(ctx context.Context, event types.SyncEvent) error {
	e.logger.InfoContext(ctx, "sync event",
		"run_id", event.RunID,
		"account_id", event.AccountID,
		"api_category", event.Category,
		"outcome", event.Outcome,
		"trigger", event.Trigger,
		"items_stored", event.Summary.ItemsStored,
		"error_kind", event.Summary.ErrorKind,
	)
	return nil
}

var (
	_ types.NotificationEmitter = (*SQSEmitter)(nil)
	_ types.NotificationEmitter = (*LogEmitter)(nil)
)
