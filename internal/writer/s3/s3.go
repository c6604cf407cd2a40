// Package s3 implements the s3:// writer plugin, uploading each segment
// as a single object keyed by sequence number. Grounded on the AWS
// client setup of the storage backends examined in the pack (region,
// endpoint, static or default credential chain, path-style addressing
// for S3-compatible services).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/opensight/cseg/internal/cerrs"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// Scheme is the URL scheme this plugin handles.
const Scheme = "s3"

// Options configures retry behavior. Credentials come from
// PluginContext.Username/Password (access key / secret key); region and
// a custom endpoint (for S3-compatible services such as MinIO) come from
// the s3:// URL's query string, e.g. s3://bucket/prefix-?region=us-east-1.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Plugin uploads each segment as "<prefix><sequence>.ts" to a bucket.
type Plugin struct {
	log    *logger.Logger
	opts   Options
	client *s3.Client
	bucket string
	prefix string
}

// New returns a writer.Factory for this plugin. log may be nil.
func New(log *logger.Logger, opts Options) writer.Factory {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return func() writer.Plugin {
		return &Plugin{log: log, opts: opts}
	}
}

// Init implements writer.Plugin. The s3:// URL's host is the bucket and
// its path the key prefix, e.g. s3://my-bucket/live/cam1-.
func (p *Plugin) Init(ctx context.Context, pc writer.PluginContext) error {
	p.bucket = pc.URL.Host
	if p.bucket == "" {
		return fmt.Errorf("%w: s3 writer: missing bucket in %s", cerrs.ErrInvalidConfig, pc.URL.Redacted())
	}
	p.prefix = strings.TrimPrefix(pc.URL.Path, "/")

	region := pc.URL.Query().Get("region")
	endpoint := pc.URL.Query().Get("endpoint")

	var awsCfg aws.Config
	var err error
	if pc.Username != "" && pc.Password != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				pc.Username, pc.Password, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(region))
	}
	if err != nil {
		return fmt.Errorf("%w: s3 writer: load aws config: %v", cerrs.ErrInvalidConfig, err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) { o.UsePathStyle = true },
	}
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}

	p.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return nil
}

// WriteSegment implements writer.Plugin.
func (p *Plugin) WriteSegment(ctx context.Context, seg *segment.Segment) (bool, error) {
	key := fmt.Sprintf("%s%d.ts", p.prefix, seg.Sequence)

	var lastErr error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if p.log != nil {
				p.log.Warnf("retrying s3 upload of %s (attempt %d)", key, attempt)
			}
			time.Sleep(p.opts.RetryDelay)
		}

		input := &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(seg.Bytes()),
			ContentType: aws.String("video/mp2t"),
		}

		_, err := p.client.PutObject(ctx, input)
		if err == nil {
			if p.log != nil {
				p.log.Infof("uploaded s3://%s/%s (%d bytes)", p.bucket, key, seg.Size())
			}
			return false, nil
		}
		lastErr = err
		if !isRetriable(err) {
			break
		}
	}

	return false, fmt.Errorf("%w: s3 writer: put %s: %v", classifyErr(lastErr), key, lastErr)
}

// Uninit implements writer.Plugin.
func (p *Plugin) Uninit(context.Context) {}

func isRetriable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "NoSuchBucket":
			return false
		}
	}
	return true
}

func classifyErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "NoSuchBucket", "InvalidArgument":
			return cerrs.ErrInvalidInput
		}
	}
	return cerrs.ErrWriterIO
}
