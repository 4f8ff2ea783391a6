// Package main is the entrypoint for a RallyPoint scheduler process.
//
// One process serves exactly one schedule kind, selected via SCHEDULE_KIND.
// Startup wiring:
//  1. Initialize the structured logger.
//  2. Load and validate configuration (fail fast).
//  3. Open the pgx pool (queries) and the dedicated notification listener.
//  4. Initialize the SQS client and routing table.
//  5. Instantiate the kind's event builder and the generic engine.
//  6. Run the engine, the health listener, and (optionally) the housekeeping
//     sweeper under one errgroup with signal-driven graceful shutdown.
//
// Shutdown is cooperative: cancelling the context is observed by the engine
// only at cycle boundaries, so an in-flight publish/mark-executed pair always
// completes together.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"rallypoint/internal/config"
	"rallypoint/internal/db"
	"rallypoint/internal/engine"
	"rallypoint/internal/events"
	"rallypoint/internal/health"
	"rallypoint/internal/housekeeping"
	"rallypoint/internal/queue"
	"rallypoint/internal/types"
)

// dbProbe reports database pool health.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string                    { return "database" }
func (p *dbProbe) Check(ctx context.Context) error { return p.pool.Ping(ctx) }

// brokerProbe reports broker reachability by fetching attributes of one
// primary queue.
type brokerProbe struct {
	client   *sqs.Client
	queueURL string
}

func (p *brokerProbe) Name() string { return "broker" }

func (p *brokerProbe) Check(ctx context.Context) error {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func main() {
	if err := run(); err != nil && !engine.IsShutdown(err) {
		slog.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	kind := types.ScheduleKind(cfg.Engine.Kind)
	if !kind.Valid() {
		return fmt.Errorf("SCHEDULE_KIND is required and must name a schedule kind, got %q", cfg.Engine.Kind)
	}

	logger = logger.With("kind", string(kind))
	logger.Info("scheduler starting",
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"environment", cfg.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	listener := db.NewPGWakeListener(cfg.Database.URL.Unmask(), cfg.Database.NotifyChannel, logger)
	defer listener.Close(context.Background())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	routes := queue.RouteTable{
		"session.reminder.":           cfg.AWS.ReminderQueue,
		"session.participant_joined.": cfg.AWS.SessionQueue,
		"session.status.":             cfg.AWS.SessionQueue,
	}
	publisher := queue.NewSQSPublisher(sqsClient, routes, logger)

	builder, err := events.ForKind(kind, cfg.Engine.ReminderStaleness, nil)
	if err != nil {
		return fmt.Errorf("selecting event builder: %w", err)
	}

	repo := db.NewScheduleEntryRepository(pool)

	eng := engine.New(engine.Config{
		Kind:      kind,
		Store:     repo,
		Builder:   builder,
		Publisher: publisher,
		Listener:  listener,
		Recover: func(ctx context.Context) error {
			// Drop the notification subscription along with the session; the
			// pool replaces its broken connections on the next acquire.
			listener.Reset(ctx)
			return pool.Ping(ctx)
		},
		MaxIdleTimeout: cfg.Engine.MaxIdleTimeout,
		RetryBackoff:   cfg.Engine.RetryBackoff,
		BatchLimit:     cfg.Engine.BatchLimit,
		Logger:         logger,
	})

	healthSrv := &health.Server{
		Probes: []health.Probe{
			&dbProbe{pool: pool},
			&brokerProbe{client: sqsClient, queueURL: cfg.AWS.ReminderQueue},
		},
		Logger: logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return healthSrv.ListenAndServe(gctx, net.JoinHostPort("", cfg.Health.Port))
	})
	if cfg.Housekeeping.Enabled {
		sweeper := housekeeping.New(housekeeping.Config{
			Store:      repo,
			ArchiveDir: cfg.Housekeeping.ArchiveDir,
			Retention:  cfg.Housekeeping.Retention,
			BatchSize:  cfg.Housekeeping.BatchSize,
			Logger:     logger,
		})
		g.Go(func() error {
			return sweeper.Run(gctx, cfg.Housekeeping.Interval)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("scheduler shut down cleanly")
	}
	return err
}

// newLogger builds the process-wide JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
