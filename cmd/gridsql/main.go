// Command gridsql runs statements and exports against a cluster.
//
//	gridsql ping
//	gridsql query "select * from city where id > ?" 10
//	gridsql export --format xlsx "select * from city"
//	gridsql bench -n 200 -c 20 "select * from city"
//
// Connection settings come from GRIDSQL_* variables (and a .env file) or
// from the TOML file given with --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gridsql:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "gridsql",
		Usage:   "client for distributed SQL clusters",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML configuration file; GRIDSQL_* variables are used when unset",
				Sources: cli.EnvVars("GRIDSQL_CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "node address, repeatable; overrides the configured addresses",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error; overrides the configured level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ping",
				Usage:  "connect, send a heartbeat and print the node",
				Action: runPing,
			},
			{
				Name:      "query",
				Usage:     "run one statement; rows are written to stdout as CSV",
				ArgsUsage: "SQL [ARG...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schema", Usage: "schema for the statement"},
				},
				Action: runQuery,
			},
			{
				Name:      "export",
				Usage:     "export a query's rows to the configured storage",
				ArgsUsage: "SQL [ARG...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "csv", Usage: "csv, json, xlsx or pdf"},
					&cli.DurationFlag{Name: "timeout", Usage: "export timeout; defaults to the configured one"},
				},
				Action: runExport,
			},
			{
				Name:      "bench",
				Usage:     "run a statement concurrently over one connection and report latencies",
				ArgsUsage: "SQL [ARG...]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "requests", Aliases: []string{"n"}, Value: 100, Usage: "total executions"},
					&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 10, Usage: "executions in flight"},
					&cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "timeout per execution"},
				},
				Action: runBench,
			},
		},
	}
}
