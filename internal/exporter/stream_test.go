package exporter

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsql/client"
	"gridsql/internal/gridtest"
	"gridsql/internal/protocol"
	"gridsql/internal/sqlcheck"
)

func seed(t *testing.T, rows int) (*gridtest.Server, *client.Conn) {
	t.Helper()
	srv := gridtest.Start(t)
	conn, err := client.Connect(context.Background(), client.Options{
		Addresses: []string{srv.Addr()},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	err = conn.WithCursor(func(cur *client.Cursor) error {
		if err := cur.Execute(ctx, "create table items (id int primary key, name varchar, price decimal(10, 2))"); err != nil {
			return err
		}
		for i := 0; i < rows; i++ {
			if err := cur.Execute(ctx, "insert into items values (?, ?, ?)", i+1, "item", "9.99"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return srv, conn
}

func newTestStreamer(conn *client.Conn, batch int) *Streamer {
	return NewStreamer(conn, WithBatchSize(batch), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestStreamQuery(t *testing.T) {
	srv, conn := seed(t, 25)

	var buf bytes.Buffer
	res, err := newTestStreamer(conn, 10).StreamQuery(context.Background(), "select id, price from items order by id", NewCSVEncoder(&buf))
	require.NoError(t, err)

	assert.EqualValues(t, 25, res.RowsProcessed)
	assert.Equal(t, 3, res.Batches)
	assert.GreaterOrEqual(t, res.BatchLatencyP95, res.BatchLatencyP50)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 26)
	assert.Equal(t, "ID,PRICE", lines[0])
	assert.Equal(t, "1,9.99", lines[1])
	assert.Equal(t, "25,9.99", lines[25])

	assert.Equal(t, 1, srv.Requests(protocol.OpTxBegin))
	assert.Equal(t, 1, srv.Requests(protocol.OpTxCommit))
	assert.Equal(t, 2, srv.Requests(protocol.OpSQLCursorNextPage))
	assert.Zero(t, srv.OpenCursors())
}

func TestStreamQueryArgs(t *testing.T) {
	_, conn := seed(t, 25)

	var buf bytes.Buffer
	res, err := newTestStreamer(conn, 0).StreamQuery(context.Background(), "select id from items where id > ?", NewJSONEncoder(&buf), 21)
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.RowsProcessed)
	assert.Equal(t, 1, res.Batches)
	assert.True(t, strings.HasPrefix(buf.String(), `{"ID":22}`))
}

func TestStreamQueryRejectsWrites(t *testing.T) {
	srv, conn := seed(t, 1)

	_, err := newTestStreamer(conn, 10).StreamQuery(context.Background(), "delete from items", NewCSVEncoder(io.Discard))
	assert.ErrorIs(t, err, sqlcheck.ErrNotSelect)

	_, err = newTestStreamer(conn, 10).StreamQuery(context.Background(), "select * from items; drop table items", NewCSVEncoder(io.Discard))
	assert.ErrorIs(t, err, sqlcheck.ErrMultipleQueries)

	assert.Zero(t, srv.Requests(protocol.OpTxBegin))
	assert.Len(t, srv.Engine().Rows("items"), 1)
}

func TestStreamQueryErrorRollsBack(t *testing.T) {
	srv, conn := seed(t, 1)

	_, err := newTestStreamer(conn, 10).StreamQuery(context.Background(), "select missing from items", NewCSVEncoder(io.Discard))
	var qe *client.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, srv.Requests(protocol.OpTxRollback))
	assert.Zero(t, srv.Requests(protocol.OpTxCommit))
	assert.Equal(t, client.StateReady, conn.State())
}
