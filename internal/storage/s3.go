package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Multipart upload thresholds
const (
	// Files larger than this use multipart upload (100MB)
	multipartThreshold = 100 * 1024 * 1024
	// Part size for multipart upload (16MB)
	multipartPartSize = 16 * 1024 * 1024
	// Concurrency for multipart upload
	multipartConcurrency = 5
)

// S3Backend implements the Backend interface for S3 and MinIO storage
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   zerolog.Logger
}

// S3Config holds S3 backend configuration
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool // Path-style addressing (required for MinIO)
}

// NewS3Backend creates a new S3/MinIO backend
func NewS3Backend(cfg *S3Config, logger zerolog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	log := logger.With().Str("component", "s3-storage").Logger()

	var opts []func(*config.LoadOptions) error

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region))

	accessKey := cfg.AccessKey
	secretKey := cfg.SecretKey
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
		log.Info().Msg("Using static credentials for S3")
	} else {
		log.Info().Msg("Using default credential chain for S3 (environment, IAM role, etc.)")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
		log.Info().Str("endpoint", endpoint).Msg("Using custom S3 endpoint")
	}

	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
		u.Concurrency = multipartConcurrency
	})

	backend := &S3Backend{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		logger:   log,
	}

	// Verify the bucket is reachable
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.Bucket).Msg("Could not verify bucket exists (may need to create it)")
	} else {
		log.Info().Str("bucket", cfg.Bucket).Msg("Successfully connected to S3 bucket")
	}

	return backend, nil
}

// Write writes data to S3
func (b *S3Backend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader writes data from a reader to S3. Files larger than the
// multipart threshold (or of unknown size) stream in parts.
func (b *S3Backend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	contentType := contentTypeFor(path)

	if size <= 0 || size >= multipartThreshold {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(path),
			Body:        reader,
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("failed multipart upload to S3: %w", err)
		}
	} else {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(path),
			Body:          reader,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("failed to write to S3: %w", err)
		}
	}

	b.logger.Debug().
		Str("path", path).
		Int64("size", size).
		Str("bucket", b.bucket).
		Dur("duration", time.Since(start)).
		Msg("Wrote to S3")

	return nil
}

// Read reads data from S3
func (b *S3Backend) Read(ctx context.Context, path string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	return data, nil
}

// ReadTo streams data from S3 into the writer
func (b *S3Backend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to read from S3: %w", err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(writer, result.Body); err != nil {
		return fmt.Errorf("failed to copy S3 object: %w", err)
	}

	return nil
}

// List lists objects with the given prefix
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	var continuationToken *string

	for {
		result, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range result.Contents {
			if obj.Key != nil {
				objects = append(objects, *obj.Key)
			}
		}

		if result.IsTruncated == nil || !*result.IsTruncated {
			break
		}
		continuationToken = result.NextContinuationToken
	}

	return objects, nil
}

// Delete deletes an object from S3
func (b *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	b.logger.Debug().Str("path", path).Msg("Deleted from S3")
	return nil
}

// Exists checks if an object exists in S3
func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check S3 object existence: %w", err)
	}

	return true, nil
}

// Close closes the S3 backend (no-op, the SDK client is stateless)
func (b *S3Backend) Close() error {
	return nil
}
