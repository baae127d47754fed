package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// LocalProvider stores files under a base directory. Files are written to a
// .part sibling and renamed into place on Close.
type LocalProvider struct {
	basePath string
	logger   *slog.Logger
}

func NewLocalProvider(basePath string, logger *slog.Logger) (*LocalProvider, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path %s: %w", basePath, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory %s: %w", abs, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{basePath: abs, logger: logger}, nil
}

// path maps a key into the base directory; ".." cannot climb above it.
func (p *LocalProvider) path(key string) string {
	return filepath.Join(p.basePath, filepath.FromSlash(path.Clean("/"+key)))
}

func (p *LocalProvider) StreamToFile(ctx context.Context, key string) (Writer, <-chan error) {
	fullPath := p.path(key)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failed(fmt.Errorf("failed to create directory %s: %w", dir, err))
	}

	f, err := os.Create(fullPath + ".part")
	if err != nil {
		return nil, failed(fmt.Errorf("failed to create file %s: %w", fullPath, err))
	}
	w := &localWriter{
		f:       f,
		path:    fullPath,
		errChan: make(chan error, 1),
		logger:  p.logger,
	}
	return w, w.errChan
}

func (p *LocalProvider) OpenFile(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(p.path(key))
}

func (p *LocalProvider) GetDownloadURL(key string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p.path(key))}).String()
}

type localWriter struct {
	f       *os.File
	path    string
	errChan chan error
	logger  *slog.Logger

	once sync.Once
}

func (w *localWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *localWriter) Close() error {
	err := errors.New("writer already finished")
	w.once.Do(func() {
		err = w.f.Close()
		if err == nil {
			err = os.Rename(w.f.Name(), w.path)
		}
		if err != nil {
			_ = os.Remove(w.f.Name())
		} else {
			w.logger.Info("local file write completed", "path", w.path)
		}
		w.finish(err)
	})
	return err
}

func (w *localWriter) Abort(cause error) error {
	err := errors.New("writer already finished")
	w.once.Do(func() {
		_ = w.f.Close()
		err = os.Remove(w.f.Name())
		w.logger.Warn("local file write aborted", "path", w.path, "error", cause)
		w.finish(fmt.Errorf("write aborted: %w", cause))
	})
	return err
}

func (w *localWriter) finish(err error) {
	w.errChan <- err
	close(w.errChan)
}
