package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
	"github.com/sirupsen/logrus"
)

const defaultRegion = "us-east-1"

// ClientConfig describes how to reach the bucket. Zero values fall back to
// the SDK defaults: the shared config files, environment credentials and
// virtual-hosted addressing.
type ClientConfig struct {
	Region   string
	Endpoint string

	// UsePathStyle is needed by most S3-compatible servers, MinIO included.
	UsePathStyle bool

	// Static credentials; both empty selects the default chain.
	AccessKeyID     string
	SecretAccessKey string

	// MaxAttempts overrides the SDK retryer when positive.
	MaxAttempts int

	// Logger receives SDK retry notices at debug level.
	Logger logrus.FieldLogger
}

// NewClient loads an AWS configuration for cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.Logger != nil {
		opts = append(opts,
			config.WithLogger(sdkLogger(cfg.Logger)),
			config.WithClientLogMode(aws.LogRetries))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// sdkLogger forwards SDK log lines to log.
func sdkLogger(log logrus.FieldLogger) logging.Logger {
	l := log.WithField("component", "s3")
	return logging.LoggerFunc(func(class logging.Classification, format string, v ...interface{}) {
		if class == logging.Warn {
			l.Warnf(format, v...)
			return
		}
		l.Debugf(format, v...)
	})
}

// Open is NewClient followed by New.
func Open(ctx context.Context, cfg ClientConfig, store Config) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, store)
}
