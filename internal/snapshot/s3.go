package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xtgz/chai/internal/config"
)

const defaultS3Region = "us-east-1"

// S3Config configures the opener for s3://bucket/key sources, used when a
// dump is mirrored to S3 or an S3-compatible store such as MinIO.
type S3Config struct {
	Region          string
	Endpoint        string // optional; custom endpoint for S3-compatible stores
	AccessKeyID     string // optional; falls back to the default credentials chain
	SecretAccessKey string
	PathStyle       bool
}

// LoadS3Config reads the S3 opener settings from the environment.
//
// Environment variables:
//   - CHAI_S3_REGION: bucket region (default: us-east-1)
//   - CHAI_S3_ENDPOINT: custom endpoint URL
//   - CHAI_S3_ACCESS_KEY_ID / CHAI_S3_SECRET_ACCESS_KEY: static credentials
//   - CHAI_S3_PATH_STYLE: path-style addressing (default: false)
func LoadS3Config() S3Config {
	return S3Config{
		Region:          config.GetEnvStr("CHAI_S3_REGION", defaultS3Region),
		Endpoint:        config.GetEnvStr("CHAI_S3_ENDPOINT", ""),
		AccessKeyID:     config.GetEnvStr("CHAI_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: config.GetEnvStr("CHAI_S3_SECRET_ACCESS_KEY", ""),
		PathStyle:       config.GetEnvBool("CHAI_S3_PATH_STYLE", false),
	}
}

// S3Opener streams archives from S3.
type S3Opener struct {
	client *s3.Client
}

// NewS3Opener builds the S3 client. No request is made until Open.
func NewS3Opener(ctx context.Context, cfg S3Config) (*S3Opener, error) {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Opener{client: client}, nil
}

// Open fetches the object named by an s3://bucket/key URL.
func (o *S3Opener) Open(ctx context.Context, source *url.URL) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(source)
	if err != nil {
		return nil, err
	}

	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrFetchFailed, bucket, key, err)
	}

	return out.Body, nil
}

func parseS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")

	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q must be s3://bucket/key", ErrUnsupportedSource, u.String())
	}

	return bucket, key, nil
}
