package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// RedriveSQS abstracts the SQS operations the redrive daemon needs.
type RedriveSQS interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// QueueBinding pairs a primary queue with its dedicated dead-letter queue.
// One DLQ per primary queue keeps "queue X is stuck" independently observable
// and independently retryable; a single shared DLQ fed by several producers
// is what once caused runaway re-publish amplification.
type QueueBinding struct {
	Name       string
	PrimaryURL string
	DLQURL     string
}

// HealthSnapshot is a point-in-time copy of the daemon's health counters,
// exposed for external polling and alerting.
type HealthSnapshot struct {
	MessagesProcessed   int64     `json:"messages_processed"`
	MessagesFailed      int64     `json:"messages_failed"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_successful_processing_time"`
	BrokerReachable     bool      `json:"broker_reachable"`
	Healthy             bool      `json:"healthy"`
}

// RedriveConfig holds the daemon's dependencies and tuning.
type RedriveConfig struct {
	Client   RedriveSQS
	Bindings []QueueBinding
	Metrics  MetricPublisher // optional; nil disables telemetry

	// Interval between drain passes. Production is on the order of 15
	// minutes; tests use seconds.
	Interval time.Duration
	// MaxBatch bounds how many messages one pass moves per queue. Draining
	// to empty under sustained consumer failure is exactly the amplification
	// bug this daemon exists to avoid.
	MaxBatch int
	// FailureThreshold is the consecutive-failure count past which the
	// daemon reports unhealthy: "structurally broken" rather than
	// "temporarily behind".
	FailureThreshold int

	Clock  func() time.Time
	Logger *slog.Logger
}

// RedriveDaemon drains each bound dead-letter queue on a fixed interval,
// republishing messages to their original destination one at a time. A
// republish failure leaves the message on the DLQ for the next interval
// rather than retrying in a tight loop. It never mutates the schedule store.
type RedriveDaemon struct {
	client   RedriveSQS
	bindings []QueueBinding
	metrics  MetricPublisher

	interval         time.Duration
	maxBatch         int
	failureThreshold int64

	clock  func() time.Time
	logger *slog.Logger

	mu                  sync.Mutex
	messagesProcessed   int64
	messagesFailed      int64
	consecutiveFailures int64
	lastSuccess         time.Time
	brokerReachable     bool
}

// NewRedriveDaemon creates a daemon from the given configuration.
func NewRedriveDaemon(cfg RedriveConfig) *RedriveDaemon {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 10
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	return &RedriveDaemon{
		client:           cfg.Client,
		bindings:         cfg.Bindings,
		metrics:          cfg.Metrics,
		interval:         interval,
		maxBatch:         maxBatch,
		failureThreshold: int64(threshold),
		clock:            clock,
		logger:           logger,
		// Optimistic until the first pass probes the broker.
		brokerReachable: true,
	}
}

// Run drains on the configured interval until ctx is cancelled. A down
// broker never crashes the daemon; it keeps retrying on its interval and
// reports unhealthy in the meantime.
func (d *RedriveDaemon) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dlq redrive daemon starting",
		"interval", d.interval.String(),
		"max_batch", d.maxBatch,
		"queues", len(d.bindings),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.DrainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "dlq redrive daemon stopping")
			return ctx.Err()
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce performs one drain pass over every bound queue.
func (d *RedriveDaemon) DrainOnce(ctx context.Context) {
	for _, binding := range d.bindings {
		d.drainQueue(ctx, binding)
	}
}

// drainQueue moves up to maxBatch messages from one DLQ back to its primary
// queue, one message per receive. The depth check is an observability signal
// only; the batch bound is what prevents runaway drains.
func (d *RedriveDaemon) drainQueue(ctx context.Context, binding QueueBinding) {
	depth, err := d.queueDepth(ctx, binding.DLQURL)
	if err != nil {
		d.logger.ErrorContext(ctx, "dlq depth check failed",
			"queue", binding.Name,
			"error", err,
		)
		d.recordFailure(false)
		return
	}
	d.setBrokerReachable()

	if d.metrics != nil {
		d.metrics.PublishDLQDepth(ctx, binding.Name, depth)
	}

	if depth > 0 {
		d.logger.InfoContext(ctx, "draining dead-letter queue",
			"queue", binding.Name,
			"depth", depth,
		)
	}

	moved, failed := 0, 0
	for i := 0; i < d.maxBatch; i++ {
		msg, ok, err := d.receiveOne(ctx, binding.DLQURL)
		if err != nil {
			d.logger.ErrorContext(ctx, "dlq receive failed",
				"queue", binding.Name,
				"error", err,
			)
			d.recordFailure(false)
			failed++
			break
		}
		if !ok {
			break
		}

		if err := d.republish(ctx, binding.PrimaryURL, msg); err != nil {
			// Leave the message on the DLQ; its visibility timeout expires
			// and the next interval retries it. No immediate re-dead-letter.
			d.logger.ErrorContext(ctx, "dlq republish failed, leaving message",
				"queue", binding.Name,
				"message_id", aws.ToString(msg.MessageId),
				"delivery_count", deliveryCount(msg),
				"error", err,
			)
			d.recordFailure(true)
			failed++
			break
		}

		if _, err := d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(binding.DLQURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			// The republish already happened; the stale DLQ copy resurfaces
			// later as a duplicate, which downstream consumers tolerate.
			d.logger.WarnContext(ctx, "dlq delete failed after republish",
				"queue", binding.Name,
				"message_id", aws.ToString(msg.MessageId),
				"error", err,
			)
		}

		d.recordSuccess()
		moved++
	}

	if d.metrics != nil {
		d.metrics.PublishRedriveResult(ctx, binding.Name, moved, failed)
	}

	if moved > 0 {
		d.logger.InfoContext(ctx, "dlq drain pass complete",
			"queue", binding.Name,
			"moved", moved,
			"failed", failed,
		)
	}
}

// receiveOne fetches a single message, short-polling. ok is false when the
// queue is empty.
func (d *RedriveDaemon) receiveOne(ctx context.Context, queueURL string) (*sqsTypes.Message, bool, error) {
	out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   1,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, false, err
	}
	if len(out.Messages) == 0 {
		return nil, false, nil
	}
	return &out.Messages[0], true, nil
}

// republish sends the dead-lettered message back to its primary queue with
// its body and attributes intact. The envelope stays opaque: broker
// integrity, not application logic, is what prevents loss.
func (d *RedriveDaemon) republish(ctx context.Context, primaryURL string, msg *sqsTypes.Message) error {
	_, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(primaryURL),
		MessageBody:       msg.Body,
		MessageAttributes: msg.MessageAttributes,
	})
	return err
}

// queueDepth reads ApproximateNumberOfMessages for the queue.
func (d *RedriveDaemon) queueDepth(ctx context.Context, queueURL string) (int, error) {
	out, err := d.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{
			sqsTypes.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, err
	}
	raw := out.Attributes[string(sqsTypes.QueueAttributeNameApproximateNumberOfMessages)]
	depth, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return depth, nil
}

// Healthy distinguishes "temporarily behind" from "structurally broken": the
// daemon is healthy while the broker is reachable and the consecutive-failure
// streak stays at or below the threshold.
func (d *RedriveDaemon) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brokerReachable && d.consecutiveFailures <= d.failureThreshold
}

// Snapshot returns a copy of the health counters.
func (d *RedriveDaemon) Snapshot() HealthSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return HealthSnapshot{
		MessagesProcessed:   d.messagesProcessed,
		MessagesFailed:      d.messagesFailed,
		ConsecutiveFailures: d.consecutiveFailures,
		LastSuccess:         d.lastSuccess,
		BrokerReachable:     d.brokerReachable,
		Healthy:             d.brokerReachable && d.consecutiveFailures <= d.failureThreshold,
	}
}

// Name implements the health probe interface.
func (d *RedriveDaemon) Name() string { return "dlq-redrive" }

// Check implements the health probe interface.
func (d *RedriveDaemon) Check(_ context.Context) error {
	if !d.Healthy() {
		snap := d.Snapshot()
		return &redriveUnhealthyError{snapshot: snap}
	}
	return nil
}

// redriveUnhealthyError reports why the daemon is unhealthy.
type redriveUnhealthyError struct {
	snapshot HealthSnapshot
}

func (e *redriveUnhealthyError) Error() string {
	if !e.snapshot.BrokerReachable {
		return "broker unreachable"
	}
	return "consecutive failure threshold exceeded (" +
		strconv.FormatInt(e.snapshot.ConsecutiveFailures, 10) + ")"
}

func (d *RedriveDaemon) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messagesProcessed++
	d.consecutiveFailures = 0
	d.lastSuccess = d.clock()
	d.brokerReachable = true
}

// recordFailure counts a failed message move. countMessage is false for
// broker-level failures (depth check, receive) that do not correspond to a
// specific message.
func (d *RedriveDaemon) recordFailure(countMessage bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if countMessage {
		d.messagesFailed++
	} else {
		d.brokerReachable = false
	}
	d.consecutiveFailures++
}

func (d *RedriveDaemon) setBrokerReachable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.brokerReachable = true
}

// deliveryCount extracts the broker-maintained receive count for logging.
func deliveryCount(msg *sqsTypes.Message) int {
	raw, ok := msg.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
