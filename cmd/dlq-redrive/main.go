// Package main is the entrypoint for the RallyPoint DLQ redrive daemon.
//
// The daemon drains each per-queue dead-letter queue on a fixed interval,
// republishing messages to their original destination in bounded batches. A
// broker outage at startup does not crash the process: the daemon reports
// unhealthy and keeps retrying on its interval.
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
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"rallypoint/internal/config"
	"rallypoint/internal/health"
	"rallypoint/internal/queue"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dlq-redrive exited with error", "error", err)
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

	logger.Info("dlq-redrive starting",
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"environment", cfg.Environment,
		"interval", cfg.Redrive.Interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	daemon := queue.NewRedriveDaemon(queue.RedriveConfig{
		Client: sqsClient,
		Bindings: []queue.QueueBinding{
			{
				Name:       "reminders",
				PrimaryURL: cfg.AWS.ReminderQueue,
				DLQURL:     cfg.AWS.ReminderDLQ,
			},
			{
				Name:       "session-events",
				PrimaryURL: cfg.AWS.SessionQueue,
				DLQURL:     cfg.AWS.SessionDLQ,
			},
		},
		Metrics:          queue.NewCloudWatchMetricPublisher(cwClient, cfg.AWS.MetricNamespace, logger),
		Interval:         cfg.Redrive.Interval,
		MaxBatch:         cfg.Redrive.MaxBatch,
		FailureThreshold: cfg.Redrive.FailureThreshold,
		Logger:           logger,
	})

	healthSrv := &health.Server{
		Probes:   []health.Probe{daemon},
		Counters: func() any { return daemon.Snapshot() },
		Logger:   logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(gctx)
	})
	g.Go(func() error {
		return healthSrv.ListenAndServe(gctx, net.JoinHostPort("", cfg.Health.Port))
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("dlq-redrive shut down cleanly")
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
