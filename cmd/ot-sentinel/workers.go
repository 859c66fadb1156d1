package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ot-sentinel/internal/consumer"
)

var runIngestFile string

var rulesWorkerCmd = &cobra.Command{
	Use:   "rules-worker",
	Short: "Evaluate incidents from the event stream and emit alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(func(ctx context.Context, a *app) ([]*consumer.Consumer, error) {
			c, set, err := a.rulesConsumer(ctx)
			if err != nil {
				return nil, err
			}
			go refreshRules(ctx, set, a.cfg.Rules.RefreshInterval)
			return []*consumer.Consumer{c}, nil
		})
	},
}

var actionWorkerCmd = &cobra.Command{
	Use:   "action-worker",
	Short: "Execute alert actions and record them on the agent run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(func(ctx context.Context, a *app) ([]*consumer.Consumer, error) {
			c, err := a.actionConsumer(ctx)
			if err != nil {
				return nil, err
			}
			return []*consumer.Consumer{c}, nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run both pipeline stages in one process",
	Long: "Run both pipeline stages in one process. With the memory transport this is\n" +
		"a self-contained pipeline; --ingest feeds it incidents from a file.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(func(ctx context.Context, a *app) ([]*consumer.Consumer, error) {
			rulesC, set, err := a.rulesConsumer(ctx)
			if err != nil {
				return nil, err
			}
			actionsC, err := a.actionConsumer(ctx)
			if err != nil {
				return nil, err
			}
			// Groups must exist before the first incident is appended, or
			// the rules group would start after it.
			log, _ := a.streamLog(ctx)
			for _, c := range []struct{ stream, group string }{
				{a.cfg.Streams.Events, a.cfg.Streams.Rules.Group},
				{a.cfg.Streams.Alerts, a.cfg.Streams.Actions.Group},
			} {
				if err := log.EnsureGroup(ctx, c.stream, c.group); err != nil {
					return nil, err
				}
			}
			go refreshRules(ctx, set, a.cfg.Rules.RefreshInterval)

			if runIngestFile != "" {
				incs, err := readIncidents(runIngestFile)
				if err != nil {
					return nil, err
				}
				p, err := a.producer(ctx)
				if err != nil {
					return nil, err
				}
				n, err := p.IngestAll(ctx, incs)
				if err != nil {
					return nil, err
				}
				slog.Info("incidents ingested", "count", n, "file", runIngestFile)
			}
			return []*consumer.Consumer{rulesC, actionsC}, nil
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&runIngestFile, "ingest", "", "incident file to ingest after start")
}

// serve builds consumers with build, runs them until SIGINT/SIGTERM and shuts
// everything down.
func serve(build func(ctx context.Context, a *app) ([]*consumer.Consumer, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	defer a.close()

	consumers, err := build(ctx, a)
	if err != nil {
		return err
	}

	stopMetrics, err := a.metricsServer()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	for _, c := range consumers {
		c.Start(ctx)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	for _, c := range consumers {
		c.Stop()
		m := c.Metrics()
		slog.Info("consumer stopped",
			"consumed", m.Consumed,
			"dropped", m.Dropped,
			"errors", m.Errors,
		)
	}
	stopMetrics(context.Background())
	return nil
}
