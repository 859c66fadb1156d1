package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"ot-sentinel/internal/agentrun"
	"ot-sentinel/internal/config"
	"ot-sentinel/internal/consumer"
	"ot-sentinel/internal/dedup"
	"ot-sentinel/internal/incident"
	"ot-sentinel/internal/kafka"
	"ot-sentinel/internal/metrics"
	"ot-sentinel/internal/notify"
	"ot-sentinel/internal/pipeline"
	"ot-sentinel/internal/redisconn"
	"ot-sentinel/internal/rules"
	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/storage"
	"ot-sentinel/internal/storage/s3"
	"ot-sentinel/internal/stream"
)

// app builds the process components from configuration. Components are
// created on first use and shared, so the in-memory backends of one process
// see the same state.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis     *redis.Client
	log       stream.Log
	incidents incident.Store
	runs      agentrun.Store
	seen      dedup.Set
	threads   notify.ThreadStore
	archive   *archive

	closers []func() error
}

// archive holds the optional ClickHouse sinks.
type archive struct {
	client     *storage.ClickHouseClient
	steps      *storage.StepWriter
	quarantine *storage.QuarantineWriter
}

func newApp(cfg *config.Config) *app {
	return &app{cfg: cfg, logger: slog.Default()}
}

func (a *app) inMemory() bool {
	return a.cfg.Transport == config.TransportMemory
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	if a.inMemory() {
		return nil, errors.New("redis is not available with the memory transport")
	}
	client, err := redisconn.Open(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) streamLog(ctx context.Context) (stream.Log, error) {
	if a.log != nil {
		return a.log, nil
	}

	switch a.cfg.Transport {
	case config.TransportMemory:
		a.log = stream.NewMemoryLog(stream.WithClaimIdle(a.cfg.Streams.ClaimIdle))

	case config.TransportKafka:
		admin, err := kafka.NewAdmin(a.cfg.Kafka, a.logger)
		if err != nil {
			return nil, err
		}
		for _, key := range []string{a.cfg.Streams.Events, a.cfg.Streams.Alerts} {
			if err := admin.EnsureTopic(ctx, a.cfg.Kafka.TopicFor(key)); err != nil {
				return nil, err
			}
		}
		log, err := kafka.NewLog(a.cfg.Kafka, a.logger)
		if err != nil {
			return nil, err
		}
		a.log = log

	default:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		a.log = stream.NewRedisLog(client, stream.WithRedisClaimIdle(a.cfg.Streams.ClaimIdle))
	}

	a.closers = append(a.closers, a.log.Close)
	return a.log, nil
}

func (a *app) incidentStore(ctx context.Context) (incident.Store, error) {
	if a.incidents != nil {
		return a.incidents, nil
	}
	if a.inMemory() {
		a.incidents = incident.NewMemoryStore()
		return a.incidents, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	a.incidents = incident.NewRedisStore(client)
	return a.incidents, nil
}

// runStore returns the agent run store, forwarding new steps to ClickHouse
// when the archive is enabled.
func (a *app) runStore(ctx context.Context) (agentrun.Store, error) {
	if a.runs != nil {
		return a.runs, nil
	}

	var store agentrun.Store
	if a.inMemory() {
		store = agentrun.NewMemoryStore()
	} else {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		store = agentrun.NewRedisStore(client, a.cfg.Runs.Retention)
	}

	arch, err := a.clickhouse(ctx)
	if err != nil {
		return nil, err
	}
	if arch != nil {
		store = agentrun.WithArchive(store, arch.steps)
	}
	a.runs = store
	return a.runs, nil
}

func (a *app) dedupSet(ctx context.Context) (dedup.Set, error) {
	if a.seen != nil {
		return a.seen, nil
	}
	if a.inMemory() {
		a.seen = dedup.NewMemorySet(a.cfg.Dedup.Retention)
		return a.seen, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	a.seen = dedup.NewRedisSet(client, a.cfg.Dedup.Prefix, a.cfg.Dedup.Retention)
	return a.seen, nil
}

func (a *app) ruleSource(ctx context.Context) (rules.Source, error) {
	if a.cfg.Rules.Source == config.RulesFromFile {
		return rules.FileSource{Path: a.cfg.Rules.Path}, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return rules.NewRedisSource(client, a.cfg.Rules.Key), nil
}

func (a *app) threadStore(ctx context.Context) (notify.ThreadStore, error) {
	if a.threads != nil {
		return a.threads, nil
	}
	if a.inMemory() {
		a.threads = notify.NewMemoryThreadStore()
		return a.threads, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	a.threads = notify.NewRedisThreadStore(client)
	return a.threads, nil
}

func (a *app) dispatcher(ctx context.Context) (*notify.Dispatcher, error) {
	n := a.cfg.Notifier

	slackCfg := n.Slack
	if n.Simulate {
		slackCfg.Token = ""
		slackCfg.WebhookURL = ""
	}
	threads, err := a.threadStore(ctx)
	if err != nil {
		return nil, err
	}
	slack := notify.NewSlack(slackCfg, threads)
	if slackCfg.Simulated() {
		a.logger.Warn("slack credentials not configured, notifications are simulated")
	}

	return notify.NewDispatcher(n.Timeout,
		slack,
		notify.NewWebhook(n.Webhooks, n.Timeout),
		notify.NewPagerDuty(n.PagerDuty),
		notify.NewLog(a.logger),
	), nil
}

// clickhouse opens the step archive on first use. It returns nil when the
// archive is disabled.
func (a *app) clickhouse(ctx context.Context) (*archive, error) {
	if a.archive != nil || !a.cfg.Archive.ClickHouse.Enabled {
		return a.archive, nil
	}

	chCfg := a.cfg.Archive.ClickHouse
	a.logger.Info("initializing ClickHouse archive",
		"hosts", chCfg.Hosts,
		"database", chCfg.Database,
	)

	client, err := storage.NewClickHouseClient(ctx, chCfg)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureDatabase(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if err := storage.NewMigrator(client).Run(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := storage.NewRetentionManager(client, a.cfg.Archive.Retention).ApplyTTLs(ctx); err != nil {
		a.logger.Warn("failed to apply retention policies", "error", err)
	}

	steps := storage.NewStepWriter(client, a.cfg.Archive.StepWriter)
	a.archive = &archive{
		client:     client,
		steps:      steps,
		quarantine: storage.NewQuarantineWriter(client),
	}
	// Flush pending steps before the connection closes.
	a.closers = append(a.closers, client.Close, steps.Close)
	return a.archive, nil
}

func (a *app) runArchiver(ctx context.Context) (*s3.RunArchiver, error) {
	if !a.cfg.Archive.S3.Enabled {
		return nil, errors.New("archive.s3 is not enabled")
	}
	s3Cfg := a.cfg.Archive.S3
	client, err := s3.NewClient(ctx, &s3Cfg, a.logger)
	if err != nil {
		return nil, err
	}
	runsCfg := a.cfg.Archive.Runs
	return s3.NewRunArchiver(client, &runsCfg, a.logger), nil
}

func (a *app) decoder() *schema.Decoder {
	return schema.NewDecoder(schema.NewValidatorWithConfig(a.cfg.Validation))
}

// rulesConsumer wires the rule engine to the event stream.
func (a *app) rulesConsumer(ctx context.Context) (*consumer.Consumer, *rules.Store, error) {
	log, err := a.streamLog(ctx)
	if err != nil {
		return nil, nil, err
	}
	src, err := a.ruleSource(ctx)
	if err != nil {
		return nil, nil, err
	}
	set, err := rules.NewStore(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	if err := rules.ValidateSet(set.Rules()); err != nil {
		return nil, nil, err
	}
	runs, err := a.runStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen, err := a.dedupSet(ctx)
	if err != nil {
		return nil, nil, err
	}

	worker := pipeline.NewRulesWorker(log, set, runs, seen, a.cfg.Streams.Alerts)
	rulesCfg, _ := a.cfg.ConsumersFor()
	c := consumer.New(log, a.decoder(), worker, rulesCfg)
	if err := a.attachQuarantine(ctx, c); err != nil {
		return nil, nil, err
	}
	return c, set, nil
}

// actionConsumer wires the action worker to the alert stream.
func (a *app) actionConsumer(ctx context.Context) (*consumer.Consumer, error) {
	log, err := a.streamLog(ctx)
	if err != nil {
		return nil, err
	}
	incidents, err := a.incidentStore(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := a.runStore(ctx)
	if err != nil {
		return nil, err
	}
	seen, err := a.dedupSet(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}

	worker := pipeline.NewActionWorker(incidents, runs, dispatcher, seen)
	_, actionsCfg := a.cfg.ConsumersFor()
	c := consumer.New(log, a.decoder(), worker, actionsCfg)
	if err := a.attachQuarantine(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) attachQuarantine(ctx context.Context, c *consumer.Consumer) error {
	arch, err := a.clickhouse(ctx)
	if err != nil {
		return err
	}
	if arch != nil {
		c.WithQuarantine(arch.quarantine)
	}
	return nil
}

func (a *app) producer(ctx context.Context) (*pipeline.Producer, error) {
	log, err := a.streamLog(ctx)
	if err != nil {
		return nil, err
	}
	incidents, err := a.incidentStore(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := a.runStore(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.NewProducer(log, incidents, runs, a.cfg.Streams.Events), nil
}

// metricsServer starts the Prometheus endpoint when enabled. The returned
// function stops it.
func (a *app) metricsServer() (func(context.Context), error) {
	if !a.cfg.Metrics.Enabled {
		return func(context.Context) {}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	srv := metrics.NewServer(a.cfg.Metrics.Addr, reg)
	srv.Start()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown error", "error", err)
		}
	}, nil
}

// close releases resources in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close error", "error", err)
		}
	}
	a.closers = nil
}

// refreshRules reloads the ruleset every interval until ctx ends.
func refreshRules(ctx context.Context, set *rules.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := set.Refresh(ctx); err != nil {
				slog.Warn("rules refresh failed, keeping previous ruleset", "error", err)
			}
		}
	}
}
