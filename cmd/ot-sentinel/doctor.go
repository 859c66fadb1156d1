package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ot-sentinel/internal/config"
	"ot-sentinel/internal/redisconn"
	"ot-sentinel/internal/startup"
	"ot-sentinel/internal/storage"
	"ot-sentinel/internal/storage/s3"
)

var doctorOffline bool

var doctorCmd = &cobra.Command{
	Use:         "doctor",
	Short:       "Check configuration and reachability of Redis, Kafka, ClickHouse and S3",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationReportsInvalidConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		d := startup.NewDiagnostics(cfg, configPath(), slog.Default())
		if !doctorOffline && cfg.Validate() == nil {
			addPings(d, cfg)
		}

		results := d.RunAll(cmd.Context())
		if err := printDiagnostics(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		if d.HasErrors() {
			return errors.New("diagnostics found errors")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip reachability checks")
}

// addPings registers a reachability check for every backend the
// configuration uses.
func addPings(d *startup.Diagnostics, c *config.Config) {
	if c.Transport != config.TransportMemory {
		d.AddPing("redis", map[string]string{"addr": c.Redis.Addr}, func(ctx context.Context) error {
			client, err := redisconn.Open(ctx, c.Redis)
			if err != nil {
				return err
			}
			return client.Close()
		})
	}

	if c.Transport == config.TransportKafka {
		for _, broker := range c.Kafka.Brokers {
			d.AddPing("kafka:"+broker, nil, func(ctx context.Context) error {
				dialer, err := c.Kafka.GetDialer()
				if err != nil {
					return err
				}
				conn, err := dialer.DialContext(ctx, "tcp", broker)
				if err != nil {
					return err
				}
				return conn.Close()
			})
		}
	}

	if c.Archive.ClickHouse.Enabled {
		chCfg := c.Archive.ClickHouse
		d.AddPing("clickhouse_connectivity", map[string]string{"hosts": strings.Join(chCfg.Hosts, ",")}, func(ctx context.Context) error {
			client, err := storage.NewClickHouseClient(ctx, chCfg)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Ping(ctx)
		})
	}

	if c.Archive.S3.Enabled {
		s3Cfg := c.Archive.S3
		d.AddPing("s3_bucket", map[string]string{"bucket": s3Cfg.Bucket}, func(ctx context.Context) error {
			client, err := s3.NewClient(ctx, &s3Cfg, slog.Default())
			if err != nil {
				return err
			}
			if status := client.HealthCheck(ctx); !status.Healthy {
				return errors.New(status.Error)
			}
			return nil
		})
	}
}

func printDiagnostics(w io.Writer, results []startup.DiagnosticResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE\tDETAILS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Message, formatDetails(r.Details))
	}
	return tw.Flush()
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + details[k]
	}
	return strings.Join(parts, " ")
}
