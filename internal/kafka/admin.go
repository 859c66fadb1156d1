package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin provides the topic management the stream log needs.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Admin{
		config: config,
		logger: logger,
	}, nil
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, nil
}

// EnsureTopic creates the topic with the configured partitioning if it does
// not exist yet.
func (a *Admin) EnsureTopic(ctx context.Context, topic string) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	dialer, err := a.config.GetDialer()
	if err != nil {
		return fmt.Errorf("kafka: failed to create dialer: %w", err)
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	configEntries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(a.config.RetentionMs, 10)},
	}
	if a.config.MaxMessageBytes > 0 {
		configEntries = append(configEntries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(a.config.MaxMessageBytes),
		})
	}

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     a.config.Partitions,
		ReplicationFactor: a.config.ReplicationFactor,
		ConfigEntries:     configEntries,
	})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		a.logger.Debug("topic already exists", "topic", topic)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", topic, err)
	}

	a.logger.Info("kafka topic created",
		"topic", topic,
		"partitions", a.config.Partitions,
		"replication_factor", a.config.ReplicationFactor,
	)
	return nil
}

// HealthCheck reports whether the cluster answers a metadata request.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	start := time.Now()

	conn, err := a.dial(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = len(brokers) > 0
	status.BrokerCount = len(brokers)

	return status
}
