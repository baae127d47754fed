package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/semaphore"

	"gridsql/client"
	"gridsql/internal/config"
	"gridsql/internal/exporter"
	"gridsql/internal/storage"
	"gridsql/internal/worker"
)

// setup loads configuration, installs the logger and connects.
func setup(ctx context.Context, cmd *cli.Command) (*config.Config, *client.Conn, error) {
	var cfg *config.Config
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.FromFile(path); err != nil {
			return nil, nil, err
		}
	} else {
		cfg = config.Load()
	}
	if addrs := cmd.StringSlice("address"); len(addrs) > 0 {
		cfg.Client.Addresses = addrs
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = logger
	conn, err := client.Connect(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, conn, nil
}

// statement splits the positional arguments into SQL text and its
// arguments. Arguments are sent as VARCHAR; the server converts them.
func statement(cmd *cli.Command) (string, []any, error) {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return "", nil, errors.New("missing SQL statement")
	}
	params := make([]any, len(args)-1)
	for i, a := range args[1:] {
		params[i] = a
	}
	return args[0], params, nil
}

func runPing(ctx context.Context, cmd *cli.Command) error {
	_, conn, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		return err
	}
	node := conn.Node()
	fmt.Printf("%s node=%s cluster=%s protocol=%s rtt=%v\n",
		conn.Addr(), node.NodeName, node.ClusterName, node.ProtocolVersion, time.Since(start))
	return nil
}

func runQuery(ctx context.Context, cmd *cli.Command) error {
	query, params, err := statement(cmd)
	if err != nil {
		return err
	}
	_, conn, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()
	if schema := cmd.String("schema"); schema != "" {
		conn.SetSchema(schema)
	}

	return conn.WithCursor(func(cur *client.Cursor) error {
		if err := cur.Execute(ctx, query, params...); err != nil {
			return err
		}
		if !cur.HasRowSet() {
			if n := cur.RowCount(); n >= 0 {
				fmt.Printf("%d rows affected\n", n)
			} else {
				fmt.Println("OK")
			}
			return nil
		}

		enc := exporter.NewCSVEncoder(os.Stdout)
		if err := enc.WriteHeader(cur.Columns()); err != nil {
			return err
		}
		for {
			row, err := cur.FetchNext(ctx)
			if errors.Is(err, client.ErrEndOfResults) {
				break
			}
			if err != nil {
				return err
			}
			if err := enc.WriteRow(row); err != nil {
				return err
			}
		}
		return enc.Close()
	})
}

func runExport(ctx context.Context, cmd *cli.Command) error {
	query, params, err := statement(cmd)
	if err != nil {
		return err
	}
	format, err := exporter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	cfg, conn, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	store, err := storage.New(cfg.Export, slog.Default())
	if err != nil {
		return err
	}

	finished := make(chan worker.ExportJob, 1)
	opts := worker.OptionsFromConfig(cfg.Export)
	opts.Workers = 1
	opts.BatchSize = cfg.Client.PageSize
	opts.OnFinish = func(job worker.ExportJob) { finished <- job }
	pool := worker.NewPool(conn, store, opts)
	pool.Start()
	defer pool.Stop()

	timeout := cmd.Duration("timeout")
	if timeout <= 0 {
		timeout = cfg.Export.DefaultTimeout
	}
	job := worker.NewExportJob(query, format, timeout, params...)
	if err := pool.Submit(job); err != nil {
		return err
	}

	var done worker.ExportJob
	select {
	case done = <-finished:
	case <-ctx.Done():
		job.Cancel()
		done = <-finished
	}
	fmt.Print(done.Summary())
	if done.Error != nil {
		return done.Error
	}
	fmt.Println("Download:", store.GetDownloadURL(done.Key))
	return nil
}

// runBench executes a statement n times with at most c in flight, all
// multiplexed over one connection.
func runBench(ctx context.Context, cmd *cli.Command) error {
	query, params, err := statement(cmd)
	if err != nil {
		return err
	}
	total, concurrency := int(cmd.Int("requests")), int(cmd.Int("concurrency"))
	if total <= 0 || concurrency <= 0 {
		return errors.New("requests and concurrency must be positive")
	}
	timeout := cmd.Duration("timeout")

	_, conn, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	var (
		mu        sync.Mutex
		latencies stats.Float64Data
		failures  int
		firstErr  error
		wg        sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(concurrency))
	start := time.Now()

	for cnt := 0; cnt < total; cnt++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			t0 := time.Now()
			err := conn.WithCursor(func(cur *client.Cursor) error {
				if err := cur.Execute(reqCtx, query, params...); err != nil {
					return err
				}
				if cur.HasRowSet() {
					_, err := cur.FetchAll(reqCtx)
					return err
				}
				return nil
			})
			elapsed := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			latencies = append(latencies, float64(elapsed.Microseconds())/1000)
		}()
	}
	wg.Wait()
	wall := time.Since(start)

	fmt.Printf("requests=%d concurrency=%d ok=%d failed=%d wall=%v\n", total, concurrency, len(latencies), failures, wall.Round(time.Millisecond))
	if len(latencies) > 0 {
		p50, _ := latencies.Percentile(50)
		p95, _ := latencies.Percentile(95)
		p99, _ := latencies.Percentile(99)
		maxMs, _ := latencies.Max()
		fmt.Printf("latency ms: p50=%.2f p95=%.2f p99=%.2f max=%.2f throughput=%.1f/s\n",
			p50, p95, p99, maxMs, float64(len(latencies))/wall.Seconds())
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d executions failed, first error: %w", failures, total, firstErr)
	}
	return ctx.Err()
}
