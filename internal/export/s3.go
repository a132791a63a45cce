// Package export uploads snapshots of the five-minute history to
// S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// uploadTimeout bounds a single S3 request.
const uploadTimeout = 30000 * time.Millisecond

// ErrExportDisabled is returned when export is switched off or has no complete S3 target.
var ErrExportDisabled = errors.New("history export is disabled")

// S3Config holds the S3 target of the export.
type S3Config struct {
	Endpoint        string // Custom endpoint for S3-compatible storage (empty = AWS)
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured reports whether the bucket and credentials are set.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// ObjectStore is the subset of the S3 client the exporter uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg S3Config) ObjectStore {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// Payload is the JSON document stored per export.
type Payload struct {
	SessionID  string              `json:"session_id,omitempty"`
	ExportedAt time.Time           `json:"exported_at"`
	History    types.MeterSnapshot `json:"history"`
}

// ObjectKey returns the key for an export made at now: prefix/YYYY/MM/DD/<timestamp>-<id>.json.
func ObjectKey(prefix string, now time.Time, id string) string {
	now = now.UTC()
	name := fmt.Sprintf("%s-%s.json", now.Format("20060102T150405Z"), id)
	return path.Join(prefix, now.Format("2006/01/02"), name)
}

// SnapshotFunc returns the history to export and the session it belongs to.
type SnapshotFunc func() (snapshot types.MeterSnapshot, sessionID string)

// Exporter uploads history snapshots on demand and on a fixed interval.
// It is safe for concurrent use.
type Exporter struct {
	source    SnapshotFunc
	onEvent   eventlog.Handler
	newClient func(S3Config) ObjectStore
	now       func() time.Time

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	cfg      S3Config
	info     types.ExportInfo
	changed  chan struct{}
}

// New creates a disabled Exporter reading snapshots from source.
// onEvent receives the result of every upload; it may be nil.
func New(source SnapshotFunc, onEvent eventlog.Handler) *Exporter {
	if onEvent == nil {
		onEvent = func(*eventlog.Event) {}
	}
	return &Exporter{
		source:    source,
		onEvent:   onEvent,
		newClient: createS3Client,
		now:       time.Now,
		changed:   make(chan struct{}, 1),
	}
}

// Configure replaces the export settings. A running Run loop picks up the new interval.
func (e *Exporter) Configure(enabled bool, interval time.Duration, cfg S3Config) {
	e.mu.Lock()
	e.enabled = enabled
	e.interval = interval
	e.cfg = cfg
	e.info.Enabled = enabled && cfg.IsConfigured()
	e.mu.Unlock()

	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// Info returns the export status.
func (e *Exporter) Info() types.ExportInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// settings returns the active configuration or ErrExportDisabled.
func (e *Exporter) settings() (S3Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || !e.cfg.IsConfigured() {
		return S3Config{}, ErrExportDisabled
	}
	return e.cfg, nil
}

// Export uploads the current history and returns the object key.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	cfg, err := e.settings()
	if err != nil {
		return "", err
	}

	snapshot, sessionID := e.source()
	now := e.now()
	body, err := json.Marshal(Payload{
		SessionID:  sessionID,
		ExportedAt: now.UTC(),
		History:    snapshot,
	})
	if err != nil {
		return "", util.WrapError("marshal export", err)
	}

	key := ObjectKey(cfg.Prefix, now, uuid.NewString())

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, err = e.newClient(cfg).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})

	if err != nil {
		e.mu.Lock()
		e.info.LastError = err.Error()
		e.mu.Unlock()
		e.onEvent(&eventlog.Event{
			Type:      eventlog.ExportFailed,
			SessionID: sessionID,
			Details:   &eventlog.ExportDetails{Bucket: cfg.Bucket, Key: key, Error: err.Error()},
		})
		return "", util.WrapError("upload history", err)
	}

	e.mu.Lock()
	e.info.LastKey = key
	e.info.LastExport = now.UTC().Format(time.RFC3339)
	e.info.LastError = ""
	e.mu.Unlock()

	slog.Info("history exported", "bucket", cfg.Bucket, "key", key, "bytes", len(body))
	e.onEvent(&eventlog.Event{
		Type:      eventlog.ExportCompleted,
		SessionID: sessionID,
		Details:   &eventlog.ExportDetails{Bucket: cfg.Bucket, Key: key, Bytes: len(body)},
	})
	return key, nil
}

// TestConnection uploads and deletes a small object to verify the S3 target.
func (e *Exporter) TestConnection(ctx context.Context) error {
	cfg, err := e.settings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	client := e.newClient(cfg)
	testKey := path.Join(cfg.Prefix, fmt.Sprintf("test-connection-%d.txt", e.now().UnixNano()))
	testContent := []byte("dB meter connection test")

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}

// Run exports on the configured interval until ctx is cancelled.
// Snapshots with an empty history are skipped.
func (e *Exporter) Run(ctx context.Context) {
	for {
		e.mu.Lock()
		interval := e.interval
		e.mu.Unlock()
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.changed:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if snapshot, _ := e.source(); len(snapshot.HistoryLeft) == 0 && len(snapshot.HistoryRight) == 0 {
			continue
		}
		if _, err := e.Export(ctx); err != nil && !errors.Is(err, ErrExportDisabled) {
			slog.Error("periodic history export failed", "error", err)
		}
	}
}
