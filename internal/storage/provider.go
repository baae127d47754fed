// Package storage holds the sinks that exported files are streamed into.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gridsql/internal/config"
)

// Provider stores exported files under slash-separated keys.
type Provider interface {
	// StreamToFile returns a Writer streaming to key. The channel receives
	// one error, or nil, once the stored object is final or discarded.
	StreamToFile(ctx context.Context, key string) (Writer, <-chan error)

	// OpenFile opens a stored file for reading.
	OpenFile(ctx context.Context, key string) (io.ReadCloser, error)

	// GetDownloadURL returns where a stored file can be fetched from.
	GetDownloadURL(key string) string
}

// Writer is an upload in progress. Close commits what was written; Abort
// discards it.
type Writer interface {
	io.WriteCloser
	Abort(cause error) error
}

// New returns the provider the export configuration selects.
func New(cfg config.ExportConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.StorageType {
	case "", "local":
		return NewLocalProvider(cfg.LocalStoragePath, logger)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage: s3 bucket is not configured")
		}
		return NewS3Provider(NewS3Client(cfg, EnvCredentials()), cfg.S3Bucket, logger), nil
	}
	return nil, fmt.Errorf("storage: unknown storage type %q", cfg.StorageType)
}

// failed returns a channel already holding err.
func failed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
