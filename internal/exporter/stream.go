package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/montanaflynn/stats"

	"gridsql/client"
	"gridsql/internal/sqlcheck"
)

// ErrNoRowSet is returned when the exported statement produced an update
// count instead of rows.
var ErrNoRowSet = errors.New("statement did not return a row set")

const defaultBatchSize = 1024

// Streamer runs exports over one connection.
type Streamer struct {
	conn      *client.Conn
	batchSize int
	logger    *slog.Logger
}

type StreamerOption func(*Streamer)

// WithBatchSize sets the page size requested from the server and the number
// of rows fetched between encoder writes.
func WithBatchSize(n int) StreamerOption {
	return func(s *Streamer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) StreamerOption {
	return func(s *Streamer) { s.logger = l }
}

func NewStreamer(conn *client.Conn, opts ...StreamerOption) *Streamer {
	s := &Streamer{conn: conn, batchSize: defaultBatchSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportResult contains stats about one export.
type ExportResult struct {
	RowsProcessed int64
	Batches       int
	Duration      time.Duration
	// BatchLatencyP50 and BatchLatencyP95 describe how long fetching one
	// batch of rows took, server round trips included.
	BatchLatencyP50 time.Duration
	BatchLatencyP95 time.Duration
}

// StreamQuery runs a read-only query in a read-only transaction and writes
// every row to the encoder, one batch in memory at a time. The encoder is
// flushed but not closed.
func (s *Streamer) StreamQuery(ctx context.Context, query string, encoder RowEncoder, args ...any) (*ExportResult, error) {
	if err := sqlcheck.ValidateReadOnly(query); err != nil {
		return nil, fmt.Errorf("export rejected: %w", err)
	}
	start := time.Now()

	var rowCount int64
	var latencies stats.Float64Data
	err := s.conn.WithTx(ctx, client.TxOptions{ReadOnly: true}, func(tx *client.Tx) error {
		cur := tx.Cursor(client.WithPageSize(s.batchSize))
		defer cur.Close()

		if err := cur.Execute(ctx, query, args...); err != nil {
			return fmt.Errorf("query execution failed: %w", err)
		}
		if !cur.HasRowSet() {
			return ErrNoRowSet
		}
		if err := encoder.WriteHeader(cur.Columns()); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}

		for {
			fetchStart := time.Now()
			rows, err := cur.FetchMany(ctx, s.batchSize)
			if err != nil {
				return fmt.Errorf("fetch failed after %d rows: %w", rowCount, err)
			}
			if len(rows) == 0 {
				return nil
			}
			latencies = append(latencies, float64(time.Since(fetchStart)))

			for _, row := range rows {
				if err := encoder.WriteRow(row); err != nil {
					return fmt.Errorf("failed to write row %d: %w", rowCount+1, err)
				}
				rowCount++
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if err := encoder.Flush(); err != nil {
		return nil, fmt.Errorf("encoder flush failed: %w", err)
	}
	if err := encoder.Error(); err != nil {
		return nil, fmt.Errorf("encoder failed: %w", err)
	}

	res := &ExportResult{
		RowsProcessed:   rowCount,
		Batches:         len(latencies),
		Duration:        time.Since(start),
		BatchLatencyP50: percentile(latencies, 50),
		BatchLatencyP95: percentile(latencies, 95),
	}
	s.logger.Debug("export streamed",
		"conn_id", s.conn.ID(),
		"rows", res.RowsProcessed,
		"batches", res.Batches,
		"duration", res.Duration,
		"batch_p95", res.BatchLatencyP95)
	return res, nil
}

func percentile(d stats.Float64Data, p float64) time.Duration {
	v, err := d.Percentile(p)
	if err != nil {
		return 0
	}
	return time.Duration(v)
}
