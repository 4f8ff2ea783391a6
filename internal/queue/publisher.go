// Package queue provides the SQS-backed event publisher and the dead-letter
// redrive daemon for the RallyPoint scheduling core. The broker is treated as
// a FIFO-with-dead-lettering black box: one primary queue per event family,
// each with its own dead-letter queue bound to the same routing keys.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sony/gobreaker/v2"

	"rallypoint/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RouteTable maps routing key prefixes to queue URLs. Resolution picks the
// longest matching prefix so a narrow binding wins over a broad one. There is
// deliberately no catch-all entry: an unroutable key is an error, never
// silently pooled into a shared queue.
type RouteTable map[string]string

// Resolve returns the queue URL for a routing key.
func (rt RouteTable) Resolve(routingKey string) (string, error) {
	prefixes := make([]string, 0, len(rt))
	for p := range rt {
		prefixes = append(prefixes, p)
	}
	// Longest prefix first.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, p := range prefixes {
		if strings.HasPrefix(routingKey, p) {
			return rt[p], nil
		}
	}
	return "", &types.AppError{
		Code:    types.ErrCodeRoutingUnknown,
		Message: fmt.Sprintf("no queue bound for routing key %q", routingKey),
	}
}

// Message attribute names carried on every published event.
const (
	attrRoutingKey = "routing_key"
	attrExpiresAt  = "expires_at"
)

// SQSPublisher publishes one message per call to the queue selected by the
// routing key. It carries no retry logic: the scheduling engine retries due
// rows on its next cycle and the redrive daemon handles dead-lettered
// messages. A circuit breaker fails publishes fast during broker outages so
// the engine does not stall its cycle on a down broker.
type SQSPublisher struct {
	client  SQSSender
	routes  RouteTable
	breaker *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	clock   func() time.Time
	logger  *slog.Logger
}

// NewSQSPublisher creates a publisher over the given SQS client and route
// table.
func NewSQSPublisher(client SQSSender, routes RouteTable, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "sqs-publisher",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &SQSPublisher{
		client:  client,
		routes:  routes,
		breaker: cb,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Publish sends one message with the given routing key and optional TTL.
// The full routing key and, when a TTL is set, an absolute expiry travel as
// message attributes so consumers can discard stale deliveries.
func (p *SQSPublisher) Publish(ctx context.Context, routingKey string, body []byte, ttl *time.Duration) error {
	queueURL, err := p.routes.Resolve(routingKey)
	if err != nil {
		return err
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		attrRoutingKey: {
			DataType:    aws.String("String"),
			StringValue: aws.String(routingKey),
		},
	}
	if ttl != nil {
		attrs[attrExpiresAt] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.clock().Add(*ttl).Format(time.RFC3339Nano)),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	}

	_, err = p.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return p.client.SendMessage(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewBrokerError(types.ErrCodeBrokerUnavailable,
				fmt.Sprintf("publish circuit open for %s", routingKey), err)
		}
		return types.NewBrokerError(types.ErrCodeBrokerPublish,
			fmt.Sprintf("sending message to %s", queueURL), err)
	}

	p.logger.DebugContext(ctx, "event published",
		"routing_key", routingKey,
		"queue_url", queueURL,
	)
	return nil
}
