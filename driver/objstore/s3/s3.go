// Package s3 implements objstore.Bucket on Amazon S3 or any S3 compatible
// service (MinIO, Localstack, ...).
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jmgilman/go/errors"

	"github.com/gonzalop/s3ftpd/driver/objstore"
)

// Config holds the settings of an S3 bucket. The mapstructure tags match the
// backend.s3 section of the configuration file.
type Config struct {
	Region          string `mapstructure:"region" validate:"required"`
	Bucket          string `mapstructure:"bucket" validate:"required"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries" validate:"gte=0"`
}

// Bucket is an objstore.Bucket backed by an S3 bucket.
type Bucket struct {
	client    *s3.Client
	bucket    string
	keyPrefix string // Optional prefix for all keys
}

var _ objstore.Bucket = (*Bucket)(nil)

// New builds an S3 client from cfg and checks that the bucket is reachable.
//
// Credentials default to the AWS credential chain unless both AccessKeyID
// and SecretAccessKey are set. A custom Endpoint switches to path-style
// addressing.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewFromClient(ctx, client, cfg.Bucket, cfg.KeyPrefix)
}

// NewFromClient wraps an existing client.
func NewFromClient(ctx context.Context, client *s3.Client, bucket, keyPrefix string) (*Bucket, error) {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", bucket, err)
	}
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	return &Bucket{client: client, bucket: bucket, keyPrefix: keyPrefix}, nil
}

func (b *Bucket) objectKey(key string) string {
	return b.keyPrefix + key
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]objstore.Object, error) {
	var objs []objstore.Object
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list "+prefix)
		}
		for _, obj := range page.Contents {
			objs = append(objs, objstore.Object{
				Key:     strings.TrimPrefix(aws.ToString(obj.Key), b.keyPrefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objs, nil
}

func (b *Bucket) Head(ctx context.Context, key string) (objstore.Object, error) {
	if key == "" {
		return objstore.Object{}, errors.New(errors.CodeNotFound, "empty key")
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return objstore.Object{}, classify(err, "head "+key)
	}
	return objstore.Object{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == "" {
		return nil, errors.New(errors.CodeNotFound, "empty key")
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, classify(err, "get "+key)
	}
	return out.Body, nil
}

// Put spools r to a temporary file first: a signed PutObject needs a
// seekable body of known length, and uploads arrive as a stream.
func (b *Bucket) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	tmp, err := os.CreateTemp("", "s3ftpd-upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("failed to spool upload: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return n, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          tmp,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, classify(err, "put "+key)
	}
	return n, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	return classify(err, "delete "+key)
}

func (b *Bucket) Copy(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(dst)),
		CopySource: aws.String(copySource(b.bucket, b.objectKey(src))),
	})
	return classify(err, "copy "+src)
}

// copySource builds the URL-encoded "bucket/key" value of CopyObject.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// classify wraps an SDK error, coding missing objects as not found.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return errors.Wrap(err, errors.CodeNotFound, msg)
	}
	return errors.Wrap(err, errors.CodeUnavailable, msg)
}
