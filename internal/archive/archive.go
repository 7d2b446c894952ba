// Package archive ships finalized execution records to S3 as compressed,
// date-partitioned batches. Like ClickHouse storage it is an optional
// write-behind sink; the orchestrator core never depends on it.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"signal-responder/internal/response"
)

// ErrArchiverClosed indicates an Add after Close.
var ErrArchiverClosed = errors.New("archive: archiver closed")

// Config holds S3 connection and batching settings.
type Config struct {
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool `yaml:"use_path_style"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns archiver defaults.
func DefaultConfig() Config {
	return Config{
		Region:        "us-east-1",
		Bucket:        "signal-responder-archive",
		Prefix:        "executions/",
		BatchSize:     1000,
		FlushInterval: 5 * time.Minute,
		Timeout:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	if c.BatchSize <= 0 {
		return errors.New("archive: batch_size must be positive")
	}
	return nil
}

// uploader is the slice of the S3 API the archiver needs.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// batch is the JSON document written per object.
type batch struct {
	BatchID     string                `json:"batch_id"`
	CreatedAt   time.Time             `json:"created_at"`
	RecordCount int                   `json:"record_count"`
	Records     []*response.Execution `json:"records"`
}

// Archiver buffers execution records and uploads them as gzip JSON batches
// under date-partitioned keys.
type Archiver struct {
	client uploader
	config Config

	mu     sync.Mutex
	buffer []*response.Execution
	timer  *time.Timer
	closed bool

	recordsArchived atomic.Int64
	batchesUploaded atomic.Int64
	bytesUploaded   atomic.Int64
	uploadFailures  atomic.Int64
}

// New creates an archiver with a real S3 client.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	a := newWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...))
	slog.Info("execution archiver initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return a, nil
}

func newWithClient(cfg Config, client uploader) *Archiver {
	a := &Archiver{
		client: client,
		config: cfg,
		buffer: make([]*response.Execution, 0, cfg.BatchSize),
	}
	a.timer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// Add buffers one finalized execution for archival.
func (a *Archiver) Add(exec *response.Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiverClosed
	}

	a.buffer = append(a.buffer, exec)
	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked()
	}
	return nil
}

func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if len(a.buffer) > 0 {
		if err := a.flushLocked(); err != nil {
			slog.Error("archive flush failed", "error", err)
		}
	}
	a.timer.Reset(a.config.FlushInterval)
}

// flushLocked uploads the buffered records as one object. Caller holds the lock.
func (a *Archiver) flushLocked() error {
	if len(a.buffer) == 0 {
		return nil
	}

	records := a.buffer
	a.buffer = make([]*response.Execution, 0, a.config.BatchSize)

	now := time.Now().UTC()
	b := batch{
		BatchID:     uuid.New().String(),
		CreatedAt:   now,
		RecordCount: len(records),
		Records:     records,
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(b); err != nil {
		a.uploadFailures.Add(1)
		return fmt.Errorf("archive: failed to encode batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		a.uploadFailures.Add(1)
		return fmt.Errorf("archive: failed to compress batch: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s.json.gz", a.config.Prefix, now.Format("2006/01/02"), b.BatchID)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	size := int64(buf.Len())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		a.uploadFailures.Add(1)
		return fmt.Errorf("archive: failed to upload batch %s: %w", b.BatchID, err)
	}

	a.recordsArchived.Add(int64(len(records)))
	a.batchesUploaded.Add(1)
	a.bytesUploaded.Add(size)

	slog.Debug("execution batch archived", "key", key, "records", len(records), "bytes", size)
	return nil
}

// Flush uploads any buffered records immediately.
func (a *Archiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Close stops the timer and uploads any remaining records.
func (a *Archiver) Close() error {
	a.mu.Lock()
	a.timer.Stop()
	err := a.flushLocked()
	a.closed = true
	a.mu.Unlock()
	return err
}

// Metrics holds archiver statistics.
type Metrics struct {
	RecordsArchived int64 `json:"records_archived"`
	BatchesUploaded int64 `json:"batches_uploaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	UploadFailures  int64 `json:"upload_failures"`
	Pending         int   `json:"pending"`
}

// Stats returns archiver statistics.
func (a *Archiver) Stats() Metrics {
	a.mu.Lock()
	pending := len(a.buffer)
	a.mu.Unlock()

	return Metrics{
		RecordsArchived: a.recordsArchived.Load(),
		BatchesUploaded: a.batchesUploaded.Load(),
		BytesUploaded:   a.bytesUploaded.Load(),
		UploadFailures:  a.uploadFailures.Load(),
		Pending:         pending,
	}
}
