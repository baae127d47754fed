package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"

	"gridsql/client"
	"gridsql/internal/config"
	"gridsql/internal/exporter"
	"gridsql/internal/storage"
)

var (
	ErrQueueFull   = errors.New("export queue is full")
	ErrPoolStopped = errors.New("export pool is stopped")
)

// Options configures a Pool. Zero values take the defaults of
// config.Default.
type Options struct {
	Workers int
	// MaxDBConcurrency bounds exports reading from the cluster at once.
	MaxDBConcurrency int64
	QueueSize        int
	// Compression is "none", "gzip" or "snappy".
	Compression string
	// BatchSize is the page size exports request from the server.
	BatchSize int
	Logger    *slog.Logger
	// OnFinish receives a copy of every job that completed or failed.
	OnFinish func(ExportJob)
}

// OptionsFromConfig maps the export section of the configuration.
func OptionsFromConfig(cfg config.ExportConfig) Options {
	return Options{
		Workers:          cfg.WorkerCount,
		MaxDBConcurrency: cfg.MaxDBConcurrency,
		Compression:      cfg.Compression,
	}
}

// Pool runs export jobs on a fixed set of workers. Every job streams over
// the same connection, each in its own read-only transaction; a semaphore
// bounds how many run against the cluster at once.
type Pool struct {
	jobQueue chan *ExportJob
	workers  int
	dbSem    *semaphore.Weighted
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	streamer    *exporter.Streamer
	storage     storage.Provider
	compression string
	logger      *slog.Logger
	onFinish    func(ExportJob)

	mu   sync.Mutex
	jobs map[string]*ExportJob
}

// NewPool creates a pool. It does not start the workers; call Start.
func NewPool(conn *client.Conn, store storage.Provider, opts Options) *Pool {
	d := config.Default().Export
	if opts.Workers <= 0 {
		opts.Workers = d.WorkerCount
	}
	if opts.MaxDBConcurrency <= 0 {
		opts.MaxDBConcurrency = d.MaxDBConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		jobQueue:    make(chan *ExportJob, opts.QueueSize),
		workers:     opts.Workers,
		dbSem:       semaphore.NewWeighted(opts.MaxDBConcurrency),
		quit:        make(chan struct{}),
		streamer:    exporter.NewStreamer(conn, exporter.WithBatchSize(opts.BatchSize), exporter.WithLogger(opts.Logger)),
		storage:     store,
		compression: opts.Compression,
		logger:      opts.Logger,
		onFinish:    opts.OnFinish,
		jobs:        make(map[string]*ExportJob),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job *ExportJob) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	select {
	case p.jobQueue <- job:
		return nil
	default:
		p.mu.Lock()
		delete(p.jobs, job.ID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Job returns a copy of a submitted job's current state.
func (p *Pool) Job(id string) (ExportJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return ExportJob{}, false
	}
	return *job, true
}

// Stop waits for running jobs to finish. Jobs still queued fail with
// ErrPoolStopped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobQueue:
				p.failJob(job, ErrPoolStopped)
			default:
				p.logger.Info("worker pool stopped")
				return
			}
		}
	})
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for {
		// Stop wins over queued work.
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case job := <-p.jobQueue:
			p.processJob(id, job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) processJob(workerID int, job *ExportJob) {
	defer job.cancel()
	p.logger.Info("processing job", "worker_id", workerID, "job_id", job.ID, "format", job.Format)

	p.mu.Lock()
	job.Started = time.Now()
	job.Status = StatusProcessing
	p.mu.Unlock()

	if err := p.dbSem.Acquire(job.ctx, 1); err != nil {
		p.failJob(job, fmt.Errorf("failed to acquire db slot: %w", err))
		return
	}
	key, stats, err := p.executeExport(job)
	p.dbSem.Release(1)

	if err != nil {
		p.failJob(job, err)
		return
	}

	p.mu.Lock()
	job.Key = key
	job.Stats = stats
	job.Status = StatusCompleted
	job.Finished = time.Now()
	snapshot := *job
	p.mu.Unlock()

	p.logger.Info("job completed",
		"job_id", job.ID,
		"rows", stats.RowsProcessed,
		"key", key,
		"url", p.storage.GetDownloadURL(key))
	p.finish(snapshot)
}

// executeExport streams cluster rows through the encoder and optional
// compression into storage. A failed export aborts the upload so no partial
// file is kept.
func (p *Pool) executeExport(job *ExportJob) (string, *exporter.ExportResult, error) {
	suffix := compressionSuffix(p.compression)
	key := fmt.Sprintf("exports/%s.%s%s", job.ID, job.Format.Extension(), suffix)

	storageWriter, errChan := p.storage.StreamToFile(job.ctx, key)
	if storageWriter == nil {
		return "", nil, fmt.Errorf("open storage: %w", <-errChan)
	}

	output := compress(storageWriter, p.compression)
	encoder := exporter.NewEncoder(job.Format, output)

	stats, err := p.streamer.StreamQuery(job.ctx, job.Query, encoder, job.Args...)
	if closeErr := encoder.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("encoder close failed: %w", closeErr)
	}
	if err == nil {
		if closeErr := output.Close(); closeErr != nil {
			err = fmt.Errorf("compression close failed: %w", closeErr)
		}
	}
	if err != nil {
		_ = storageWriter.Abort(err)
		<-errChan
		return "", nil, fmt.Errorf("export failed: %w", err)
	}

	if err := storageWriter.Close(); err != nil {
		<-errChan
		return "", nil, fmt.Errorf("storage close failed: %w", err)
	}
	if err := <-errChan; err != nil {
		return "", nil, fmt.Errorf("upload failed: %w", err)
	}
	return key, stats, nil
}

func (p *Pool) failJob(job *ExportJob, err error) {
	p.mu.Lock()
	job.Status = StatusFailed
	job.Error = err
	job.Finished = time.Now()
	snapshot := *job
	p.mu.Unlock()

	job.cancel()
	p.logger.Error("job failed", "job_id", job.ID, "error", err)
	p.finish(snapshot)
}

func (p *Pool) finish(job ExportJob) {
	if p.onFinish != nil {
		p.onFinish(job)
	}
}

func compressionSuffix(kind string) string {
	switch kind {
	case "gzip":
		return ".gz"
	case "snappy":
		return ".sz"
	}
	return ""
}

// compress wraps w in the configured compressor. Closing the result
// finishes the compressed stream but leaves w open.
func compress(w io.Writer, kind string) io.WriteCloser {
	switch kind {
	case "gzip":
		return gzip.NewWriter(w)
	case "snappy":
		return snappy.NewBufferedWriter(w)
	}
	return nopCloser{w}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
