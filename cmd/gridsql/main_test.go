package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsql/internal/gridtest"
)

func startNode(t *testing.T) *gridtest.Server {
	t.Helper()
	srv := gridtest.Start(t)
	_, err := srv.Engine().Exec(nil, "create table city (id int primary key, name varchar)", nil)
	require.NoError(t, err)
	_, err = srv.Engine().Exec(nil, "insert into city values (1, 'Oslo'), (2, 'Lima')", nil)
	require.NoError(t, err)
	t.Setenv("GRIDSQL_LOG_LEVEL", "error")
	return srv
}

func run(args ...string) error {
	return newApp().Run(context.Background(), append([]string{"gridsql"}, args...))
}

func TestPingCommand(t *testing.T) {
	srv := startNode(t)
	require.NoError(t, run("-a", srv.Addr(), "ping"))
}

func TestQueryCommand(t *testing.T) {
	srv := startNode(t)
	require.NoError(t, run("-a", srv.Addr(), "query", "select * from city where id > ?", "1"))
	require.NoError(t, run("-a", srv.Addr(), "query", "update city set name = 'Bern' where id = 2"))
	assert.Equal(t, "Bern", srv.Engine().Rows("city")[1][1].String())

	assert.ErrorContains(t, run("-a", srv.Addr(), "query"), "missing SQL")
}

func TestExportCommand(t *testing.T) {
	srv := startNode(t)
	dir := t.TempDir()
	t.Setenv("GRIDSQL_STORAGE_TYPE", "local")
	t.Setenv("GRIDSQL_LOCAL_STORAGE_PATH", dir)
	t.Setenv("GRIDSQL_EXPORT_COMPRESSION", "gzip")

	require.NoError(t, run("-a", srv.Addr(), "export", "--format", "json", "select * from city"))

	matches, err := filepath.Glob(filepath.Join(dir, "exports", "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, run("-a", srv.Addr(), "export", "--format", "parquet", "select * from city"))
	assert.Error(t, run("-a", srv.Addr(), "export", "drop table city"))
	assert.Len(t, srv.Engine().Rows("city"), 2)
}

func TestBenchCommand(t *testing.T) {
	srv := startNode(t)
	require.NoError(t, run("-a", srv.Addr(), "bench", "-n", "20", "-c", "5", "select * from city"))
	assert.ErrorContains(t, run("-a", srv.Addr(), "bench", "-n", "3", "select * from nowhere"), "3 of 3")
}
