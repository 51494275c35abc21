package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
)

// S3Options configures an S3-compatible bucket.
type S3Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
	Prefix         string
}

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 keeps one object per pair key. PutObject replaces objects atomically.
type S3 struct {
	api    objectAPI
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3 builds the AWS client from static credentials and an optional custom endpoint.
func NewS3(ctx context.Context, opts S3Options, logger zerolog.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := normaliseEndpoint(opts.Endpoint, opts.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3(s3.NewFromConfig(awsCfg, s3Opts...), opts.Bucket, opts.Prefix, logger), nil
}

func newS3(api objectAPI, bucket, prefix string, logger zerolog.Logger) *S3 {
	if prefix == "" {
		prefix = "arbwatch/state/"
	}
	return &S3{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "state_s3").Logger(),
	}
}

// Load reads the pair object; NoSuchKey or a corrupt body yields the initial state.
func (s *S3) Load(ctx context.Context, key string) (alerting.State, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return alerting.InitialState(), nil
		}
		return alerting.State{}, fmt.Errorf("s3 get state: %w", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return alerting.State{}, fmt.Errorf("s3 read state: %w", err)
	}
	st, err := decodeRecord(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("corrupt state record, starting fresh")
		return alerting.InitialState(), nil
	}
	return st, nil
}

// Save uploads the record in one PutObject call.
func (s *S3) Save(ctx context.Context, key string, st alerting.State) error {
	payload, err := json.Marshal(FromState(st))
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put state: %w", err)
	}
	return nil
}

func (s *S3) objectKey(key string) string {
	return s.prefix + url.PathEscape(strings.ReplaceAll(key, "/", "_")) + ".json"
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

var _ Store = (*S3)(nil)
