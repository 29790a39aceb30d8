package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Config selects the AWS credentials and region.
type S3Config struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// S3 opens s3://bucket/key locations.
type S3 struct {
	client s3iface.S3API
}

// NewS3 creates an S3 opener from a session built from cfg.
func NewS3(cfg S3Config) (*S3, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		Config:            awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return NewS3WithClient(s3.New(sess)), nil
}

// NewS3WithClient creates an S3 opener using client.
func NewS3WithClient(client s3iface.S3API) *S3 {
	return &S3{client: client}
}

// Open implements Opener. A missing object is reported as os.ErrNotExist.
func (o *S3) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := parseS3(location)
	if err != nil {
		return nil, err
	}

	out, err := o.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket) {
			return nil, fmt.Errorf("s3 get %s: %w", location, os.ErrNotExist)
		}
		return nil, fmt.Errorf("s3 get %s: %w", location, err)
	}
	return out.Body, nil
}

func parseS3(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parsing %s: %w", location, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if !strings.EqualFold(u.Scheme, "s3") || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupported, location)
	}
	return u.Host, key, nil
}
