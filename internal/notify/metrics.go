package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketsync/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes sync run and loop metrics to CloudWatch.
//
// Metrics emitted:
//   - SyncRun: Dims {ApiCategory, Outcome}, one per finished run
//   - SyncRunDuration: Dims {ApiCategory}, milliseconds
//   - SyncItemsStored: Dims {ApiCategory}, items stored by the run
//   - LoopTick: Dims {Loop, Status}, one per enabled tick
//
// Publishing failures are logged and dropped.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRun emits the run outcome, duration and stored item count.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, category types.APICategory, outcome types.RunOutcome, duration time.Duration, itemsStored int) {
	categoryDim := cwtypes.Dimension{
		Name:  aws.String(types.DimAPICategory),
		Value: aws.String(string(category)),
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricSyncRun),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					categoryDim,
					{
						Name:  aws.String(types.DimOutcome),
						Value: aws.String(string(outcome)),
					},
				},
			},
			{
				MetricName: aws.String(types.MetricSyncRunDuration),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{categoryDim},
			},
			{
				MetricName: aws.String(types.MetricItemsStored),
				Value:      aws.Float64(float64(itemsStored)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{categoryDim},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record run metric",
			"error", err.Error(),
			"api_category", string(category),
			"outcome", string(outcome),
		)
	}
}

// RecordLoopTick emits one LoopTick datum for a finished tick.
func (m *CloudWatchMetrics) RecordLoopTick(ctx context.Context, loop string, status types.LoopStatus, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricLoopTick),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimLoop),
						Value: aws.String(loop),
					},
					{
						Name:  aws.String(types.DimStatus),
						Value: aws.String(string(status)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record loop metric",
			"error", err.Error(),
			"loop", loop,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// NoopMetrics discards all metrics. Used when ENABLE_METRICS is off.
type NoopMetrics struct{}

func (NoopMetrics) RecordRun(context.Context, types.APICategory, types.RunOutcome, time.Duration, int) {
}

func (NoopMetrics) RecordLoopTick(context.Context, string, types.LoopStatus, time.Duration) {}
