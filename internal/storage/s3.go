package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gridsql/internal/config"
)

const (
	s3PartSize    = 10 * 1024 * 1024
	s3Concurrency = 5
)

// S3Provider streams files to an S3 bucket with multipart uploads.
type S3Provider struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

func NewS3Provider(client *s3.Client, bucket string, logger *slog.Logger) *S3Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Provider{client: client, bucket: bucket, logger: logger}
}

// NewS3Client builds a client for the configured region. S3Endpoint and
// S3PathStyle point it at S3-compatible stores such as MinIO.
func NewS3Client(cfg config.ExportConfig, creds aws.CredentialsProvider) *s3.Client {
	opts := s3.Options{
		Region:       cfg.AWSRegion,
		UsePathStyle: cfg.S3PathStyle,
		Credentials:  creds,
	}
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}
	return s3.New(opts)
}

// EnvCredentials reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and
// AWS_SESSION_TOKEN. Without an access key requests go unsigned.
func EnvCredentials() aws.CredentialsProvider {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" {
		return aws.AnonymousCredentials{}
	}
	token := os.Getenv("AWS_SESSION_TOKEN")
	return aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, SessionToken: token, Source: "environment"}, nil
	}))
}

// StreamToFile uploads whatever is written to the returned Writer. The
// upload runs in the background and reads from a pipe, so writes block
// until the uploader takes the data.
func (p *S3Provider) StreamToFile(ctx context.Context, key string) (Writer, <-chan error) {
	reader, writer := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)

		uploader := manager.NewUploader(p.client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3Concurrency
		})

		p.logger.Info("starting s3 upload", "bucket", p.bucket, "key", key)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   reader,
		})
		// Unblocks the writer if the upload stopped reading early.
		_ = reader.CloseWithError(err)

		if err != nil {
			p.logger.Error("s3 upload failed", "key", key, "error", err)
			errChan <- fmt.Errorf("s3 upload failed: %w", err)
			return
		}
		p.logger.Info("s3 upload finished", "key", key)
		errChan <- nil
	}()

	return pipeWriter{writer}, errChan
}

type pipeWriter struct {
	*io.PipeWriter
}

// Abort fails the upload; the uploader aborts any multipart upload it began.
func (w pipeWriter) Abort(cause error) error {
	return w.CloseWithError(cause)
}

func (p *S3Provider) OpenFile(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (p *S3Provider) GetDownloadURL(key string) string {
	return fmt.Sprintf("s3://%s/%s", p.bucket, key)
}
