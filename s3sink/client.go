package s3sink

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/honeycombio/otelprep/config"
)

// ObjectPutter is the part of the S3 API the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client from conf. A profile takes precedence over
// static keys; with neither the default credential chain applies.
func NewClient(ctx context.Context, conf config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conf.Region != "" {
		opts = append(opts, awsconfig.WithRegion(conf.Region))
	}
	creds := conf.Credentials
	if creds.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(creds.Profile))
	} else if creds.ID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.ID, creds.Secret, creds.Token,
		)))
	}

	awsConf, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsConf, func(o *s3.Options) {
		o.UsePathStyle = conf.ForcePathStyle
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
	}), nil
}
