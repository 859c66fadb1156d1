package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ot-sentinel/internal/schema"
)

// ErrChecksumMismatch is returned when a restored archive does not match its
// manifest.
var ErrChecksumMismatch = errors.New("s3: archive checksum mismatch")

// RunManifest describes one uploaded batch of agent runs.
type RunManifest struct {
	ID                string    `json:"archive_id"`
	CreatedAt         time.Time `json:"created_at"`
	RunCount          int       `json:"run_count"`
	RunIDs            []string  `json:"run_ids"`
	Key               string    `json:"key"`
	UncompressedBytes int64     `json:"uncompressed_bytes"`
	CompressedBytes   int64     `json:"compressed_bytes"`
	Checksum          string    `json:"sha256"`
}

// ArchiverConfig holds archiver settings.
type ArchiverConfig struct {
	// MinAge is how long a run must have been finished before it is archived.
	MinAge time.Duration `yaml:"min_age"`

	// BatchSize caps the number of runs in one object.
	BatchSize int `yaml:"batch_size"`

	// PathTemplate supports {date}, {year}, {month}, {day} and {id}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		MinAge:       24 * time.Hour,
		BatchSize:    1000,
		PathTemplate: "runs/{date}/{id}.ndjson.gz",
	}
}

// RunArchiver writes finished agent runs to object storage as gzipped NDJSON
// with a JSON manifest per batch. Each archived run also gets a small marker
// object so later passes skip it.
type RunArchiver struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	now     func() time.Time
	metrics archiverMetrics
}

type archiverMetrics struct {
	archivesCreated atomic.Int64
	runsArchived    atomic.Int64
	runsRestored    atomic.Int64
}

// NewRunArchiver creates a new run archiver.
func NewRunArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *RunArchiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultArchiverConfig().BatchSize
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultArchiverConfig().PathTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunArchiver{client: client, config: cfg, logger: logger, now: time.Now}
}

// SelectFinished returns runs with a terminal outcome that ended before
// now-minAge.
func SelectFinished(runs []*schema.AgentRun, minAge time.Duration, now time.Time) []*schema.AgentRun {
	cutoff := now.Add(-minAge)
	var out []*schema.AgentRun
	for _, r := range runs {
		if r == nil || !r.Outcome.Terminal() || r.EndedAt == nil {
			continue
		}
		if r.EndedAt.After(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Archive uploads the finished runs among candidates that are not archived
// yet. It returns one manifest per uploaded object.
func (a *RunArchiver) Archive(ctx context.Context, candidates []*schema.AgentRun) ([]*RunManifest, error) {
	finished := SelectFinished(candidates, a.config.MinAge, a.now())

	var pending []*schema.AgentRun
	for _, r := range finished {
		done, err := a.client.Exists(ctx, markerKey(r.ID))
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var manifests []*RunManifest
	for start := 0; start < len(pending); start += a.config.BatchSize {
		end := start + a.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		m, err := a.archiveBatch(ctx, pending[start:end])
		if err != nil {
			return manifests, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (a *RunArchiver) archiveBatch(ctx context.Context, runs []*schema.AgentRun) (*RunManifest, error) {
	now := a.now().UTC()
	id := uuid.NewString()

	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("s3: failed to encode run %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}

	compressed, err := compressGzip(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("s3: failed to compress archive: %w", err)
	}
	sum := sha256.Sum256(compressed)

	m := &RunManifest{
		ID:                id,
		CreatedAt:         now,
		RunCount:          len(runs),
		RunIDs:            ids,
		Key:               a.generateKey(id, now),
		UncompressedBytes: int64(raw.Len()),
		CompressedBytes:   int64(len(compressed)),
		Checksum:          hex.EncodeToString(sum[:]),
	}

	if _, err := a.client.Upload(ctx, &UploadInput{
		Key:         m.Key,
		Body:        compressed,
		ContentType: "application/x-ndjson",
		Metadata: map[string]string{
			"archive-id": id,
			"run-count":  fmt.Sprint(len(runs)),
		},
	}); err != nil {
		return nil, err
	}
	if err := a.uploadJSON(ctx, manifestKey(id), m); err != nil {
		return nil, err
	}
	// Markers go last so a failed upload leaves the runs eligible.
	for _, rid := range ids {
		if err := a.uploadJSON(ctx, markerKey(rid), map[string]string{"archive_id": id}); err != nil {
			return nil, err
		}
	}

	a.metrics.archivesCreated.Add(1)
	a.metrics.runsArchived.Add(int64(len(runs)))
	a.logger.Info("archived agent runs",
		"archive_id", id,
		"runs", len(runs),
		"key", m.Key,
		"compressed_bytes", m.CompressedBytes,
	)
	return m, nil
}

// Restore downloads an archive and decodes its runs in stored order.
func (a *RunArchiver) Restore(ctx context.Context, archiveID string) ([]*schema.AgentRun, error) {
	m, err := a.Manifest(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	data, err := a.client.Download(ctx, m.Key)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, archiveID)
	}

	plain, err := decompressGzip(data)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress archive %s: %w", archiveID, err)
	}

	var runs []*schema.AgentRun
	sc := bufio.NewScanner(bytes.NewReader(plain))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r schema.AgentRun
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("s3: failed to decode run in archive %s: %w", archiveID, err)
		}
		runs = append(runs, &r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	a.metrics.runsRestored.Add(int64(len(runs)))
	a.logger.Info("restored archive", "archive_id", archiveID, "runs", len(runs))
	return runs, nil
}

// Manifest fetches the manifest for archiveID.
func (a *RunArchiver) Manifest(ctx context.Context, archiveID string) (*RunManifest, error) {
	data, err := a.client.Download(ctx, manifestKey(archiveID))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to get manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("s3: invalid manifest %s: %w", archiveID, err)
	}
	return &m, nil
}

// ListArchives returns all manifests.
func (a *RunArchiver) ListArchives(ctx context.Context) ([]*RunManifest, error) {
	objects, err := a.client.List(ctx, "manifests/", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*RunManifest, 0, len(objects))
	for _, obj := range objects {
		id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, "manifests/"), ".json")
		m, err := a.Manifest(ctx, id)
		if err != nil {
			a.logger.Warn("skipping unreadable manifest", "key", obj.Key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ArchiverMetrics contains archiver counters.
type ArchiverMetrics struct {
	ArchivesCreated int64
	RunsArchived    int64
	RunsRestored    int64
}

// GetMetrics returns archiver metrics.
func (a *RunArchiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		ArchivesCreated: a.metrics.archivesCreated.Load(),
		RunsArchived:    a.metrics.runsArchived.Load(),
		RunsRestored:    a.metrics.runsRestored.Load(),
	}
}

func (a *RunArchiver) uploadJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = a.client.Upload(ctx, &UploadInput{
		Key:          key,
		Body:         data,
		ContentType:  "application/json",
		StorageClass: "STANDARD",
	})
	return err
}

func (a *RunArchiver) generateKey(id string, now time.Time) string {
	r := strings.NewReplacer(
		"{date}", now.Format("2006/01/02"),
		"{year}", now.Format("2006"),
		"{month}", now.Format("01"),
		"{day}", now.Format("02"),
		"{id}", id,
	)
	return r.Replace(a.config.PathTemplate)
}

func manifestKey(id string) string { return "manifests/" + id + ".json" }
func markerKey(runID string) string { return "index/" + runID + ".json" }

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
