package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rallypoint/internal/types"
)

// ============================================================
// Mock Implementations
// ============================================================

type mockSQSSender struct {
	mock.Mock
}

func (m *mockSQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.SendMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func testRoutes() RouteTable {
	return RouteTable{
		"session.reminder.":           "https://sqs.test/reminders",
		"session.participant_joined.": "https://sqs.test/session-events",
		"session.status.":             "https://sqs.test/session-events",
		"session.":                    "https://sqs.test/catch-most",
	}
}

// ============================================================
// RouteTable Tests
// ============================================================

func TestRouteTable_Resolve(t *testing.T) {
	routes := testRoutes()

	t.Run("longest prefix wins", func(t *testing.T) {
		url, err := routes.Resolve("session.reminder.guild-1")
		require.NoError(t, err)
		assert.Equal(t, "https://sqs.test/reminders", url)
	})

	t.Run("shorter prefix catches the rest", func(t *testing.T) {
		url, err := routes.Resolve("session.archived.guild-1")
		require.NoError(t, err)
		assert.Equal(t, "https://sqs.test/catch-most", url)
	})

	t.Run("unroutable key is an error", func(t *testing.T) {
		_, err := routes.Resolve("billing.invoice.guild-1")
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeRoutingUnknown, appErr.Code)
	})
}

// ============================================================
// Publish Tests
// ============================================================

func TestSQSPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("routes and attributes", func(t *testing.T) {
		sender := &mockSQSSender{}
		pub := NewSQSPublisher(sender, testRoutes(), nil)
		pub.clock = func() time.Time { return now }

		var captured *sqs.SendMessageInput
		sender.On("SendMessage", ctx, mock.AnythingOfType("*sqs.SendMessageInput")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*sqs.SendMessageInput)
			}).
			Return(&sqs.SendMessageOutput{}, nil).Once()

		ttl := 8 * time.Minute
		err := pub.Publish(ctx, "session.reminder.guild-1", []byte(`{"a":1}`), &ttl)
		require.NoError(t, err)

		require.NotNil(t, captured)
		assert.Equal(t, "https://sqs.test/reminders", *captured.QueueUrl)
		assert.Equal(t, `{"a":1}`, *captured.MessageBody)
		assert.Equal(t, "session.reminder.guild-1", *captured.MessageAttributes[attrRoutingKey].StringValue)
		assert.Equal(t, now.Add(ttl).Format(time.RFC3339Nano), *captured.MessageAttributes[attrExpiresAt].StringValue)
		sender.AssertExpectations(t)
	})

	t.Run("no TTL means no expiry attribute", func(t *testing.T) {
		sender := &mockSQSSender{}
		pub := NewSQSPublisher(sender, testRoutes(), nil)

		var captured *sqs.SendMessageInput
		sender.On("SendMessage", ctx, mock.AnythingOfType("*sqs.SendMessageInput")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*sqs.SendMessageInput)
			}).
			Return(&sqs.SendMessageOutput{}, nil).Once()

		require.NoError(t, pub.Publish(ctx, "session.status.guild-2", []byte(`{}`), nil))
		_, hasExpiry := captured.MessageAttributes[attrExpiresAt]
		assert.False(t, hasExpiry)
	})

	t.Run("unroutable key never reaches the client", func(t *testing.T) {
		sender := &mockSQSSender{}
		pub := NewSQSPublisher(sender, testRoutes(), nil)

		err := pub.Publish(ctx, "billing.invoice.guild-1", []byte(`{}`), nil)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeRoutingUnknown, appErr.Code)
		sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
	})

	t.Run("send failure maps to publish error", func(t *testing.T) {
		sender := &mockSQSSender{}
		pub := NewSQSPublisher(sender, testRoutes(), nil)

		sender.On("SendMessage", ctx, mock.AnythingOfType("*sqs.SendMessageInput")).
			Return(nil, errors.New("connection refused")).Once()

		err := pub.Publish(ctx, "session.reminder.guild-1", []byte(`{}`), nil)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeBrokerPublish, appErr.Code)
	})
}

func TestSQSPublisher_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	sender := &mockSQSSender{}
	pub := NewSQSPublisher(sender, testRoutes(), nil)

	sender.On("SendMessage", ctx, mock.AnythingOfType("*sqs.SendMessageInput")).
		Return(nil, errors.New("broker down"))

	// Six consecutive failures trip the breaker.
	for i := 0; i < 6; i++ {
		err := pub.Publish(ctx, "session.reminder.guild-1", []byte(`{}`), nil)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeBrokerPublish, appErr.Code, "attempt %d still hits the broker", i+1)
	}

	// The breaker is now open: publishes fail fast without a send.
	err := pub.Publish(ctx, "session.reminder.guild-1", []byte(`{}`), nil)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeBrokerUnavailable, appErr.Code)
	sender.AssertNumberOfCalls(t, "SendMessage", 6)
}
