package queue

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricPublisher abstracts queue telemetry. The metrics exporter proper is
// an external collaborator; this interface is only the emission seam.
type MetricPublisher interface {
	// PublishDLQDepth emits the observed dead-letter queue depth.
	PublishDLQDepth(ctx context.Context, queue string, depth int)
	// PublishRedriveResult emits moved/failed counts for one drain pass.
	PublishRedriveResult(ctx context.Context, queue string, moved, failed int)
}

// cloudwatchAPI is the subset of the CloudWatch SDK client used here.
type cloudwatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetricPublisher publishes queue metrics to CloudWatch under the
// configured namespace, dimensioned by queue name. Metric failures are
// logged, never propagated: telemetry must not break the drain path.
type CloudWatchMetricPublisher struct {
	client    cloudwatchAPI
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetricPublisher creates a publisher for the given namespace.
func NewCloudWatchMetricPublisher(client cloudwatchAPI, namespace string, logger *slog.Logger) *CloudWatchMetricPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetricPublisher{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// PublishDLQDepth implements MetricPublisher.
func (p *CloudWatchMetricPublisher) PublishDLQDepth(ctx context.Context, queue string, depth int) {
	p.put(ctx, queue, cwTypes.MetricDatum{
		MetricName: aws.String("DLQDepth"),
		Value:      aws.Float64(float64(depth)),
		Unit:       cwTypes.StandardUnitCount,
	})
}

// PublishRedriveResult implements MetricPublisher.
func (p *CloudWatchMetricPublisher) PublishRedriveResult(ctx context.Context, queue string, moved, failed int) {
	p.put(ctx, queue, cwTypes.MetricDatum{
		MetricName: aws.String("RedriveMoved"),
		Value:      aws.Float64(float64(moved)),
		Unit:       cwTypes.StandardUnitCount,
	})
	p.put(ctx, queue, cwTypes.MetricDatum{
		MetricName: aws.String("RedriveFailed"),
		Value:      aws.Float64(float64(failed)),
		Unit:       cwTypes.StandardUnitCount,
	})
}

func (p *CloudWatchMetricPublisher) put(ctx context.Context, queue string, datum cwTypes.MetricDatum) {
	datum.Dimensions = []cwTypes.Dimension{
		{
			Name:  aws.String("Queue"),
			Value: aws.String(queue),
		},
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: []cwTypes.MetricDatum{datum},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to publish queue metric",
			"metric", aws.ToString(datum.MetricName),
			"queue", queue,
			"error", err,
		)
	}
}
