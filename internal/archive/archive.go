// Package archive uploads finished runs to S3 compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
)

const (
	databaseObject = "runs.db"
	waveformPrefix = "waveforms"
)

// Uploader is the subset of the S3 client the archiver uses
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshotter writes a consistent copy of the result database to path
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Config holds the object storage settings. An empty Endpoint means AWS S3,
// otherwise path style requests are sent to the endpoint (MinIO).
type Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("archive.Config: bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("archive.Config: accessKey and secretKey must be set together")
	}
	return nil
}

// NewS3Client creates a client from the default AWS configuration chain,
// overridden by static credentials when configured
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.Endpoint == "" {
		return s3.NewFromConfig(awsCfg), nil
	}

	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}

type Option func(*Archiver)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger.With(slog.String("component", "archive"))
	}
}

// Archiver uploads the database snapshot and exported waveforms of a run
// under <prefix>/<runID>/
type Archiver struct {
	client Uploader
	bucket string
	prefix string
	logger *slog.Logger
}

func New(client Uploader, cfg Config, options ...Option) *Archiver {
	a := Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&a)
	}
	return &a
}

// ArchiveRun uploads a snapshot of the database and, when waveformDir is not
// empty, every CSV exported for the run. It returns the uploaded keys.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, db Snapshotter, waveformDir string) (keys []string, err error) {
	tmp, err := os.MkdirTemp("", "archive-"+runID+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	snapshot := filepath.Join(tmp, databaseObject)
	if err = db.Snapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("snapshotting database: %w", err)
	}

	key := a.key(runID, databaseObject)
	if err = a.upload(ctx, key, snapshot, "application/vnd.sqlite3"); err != nil {
		return nil, err
	}
	keys = append(keys, key)

	if waveformDir == "" {
		return keys, nil
	}

	files, err := filepath.Glob(filepath.Join(waveformDir, runID, "*.csv"))
	if err != nil {
		return keys, fmt.Errorf("listing waveforms: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		key = a.key(runID, waveformPrefix, filepath.Base(f))
		if err = a.upload(ctx, key, f, "text/csv"); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	a.logger.Info("run archived",
		slog.String("runID", runID),
		slog.String("bucket", a.bucket),
		slog.Int("objects", len(keys)))
	return keys, nil
}

func (a *Archiver) key(parts ...string) string {
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func (a *Archiver) upload(ctx context.Context, key, file, contentType string) (err error) {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}

	if _, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	a.logger.Debug("object uploaded", slog.String("key", key), slog.String("size", humanize.Bytes(uint64(info.Size()))))
	return nil
}
