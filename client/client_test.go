package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsql/internal/gridtest"
	"gridsql/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T, opts Options) *Conn {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	conn, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func execute(t *testing.T, cur *Cursor, query string, args ...any) {
	t.Helper()
	require.NoError(t, cur.Execute(context.Background(), query, args...), query)
}

func TestRowCount(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})

	cur := conn.Cursor()
	defer cur.Close()
	assert.EqualValues(t, -1, cur.RowCount(), "no statement executed yet")

	execute(t, cur, "create table t (id int primary key, data varchar(100))")
	assert.EqualValues(t, -1, cur.RowCount())

	for i := 0; i < 10; i++ {
		execute(t, cur, "insert into t values (?, ?)", i, "row")
		assert.EqualValues(t, 1, cur.RowCount())
	}

	execute(t, cur, "update t set data = ? where id > ?", "Lorem ipsum", 3)
	assert.EqualValues(t, 6, cur.RowCount())
	assert.False(t, cur.HasRowSet())
	_, err := cur.FetchNext(context.Background())
	assert.ErrorIs(t, err, ErrNoResultSet)

	execute(t, cur, "select * from t")
	assert.EqualValues(t, -1, cur.RowCount())
	assert.True(t, cur.HasRowSet())
	rows, err := cur.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 10)

	err = cur.Execute(context.Background(), "select * from missing")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, protocol.CodeSQL, qe.Code)
	assert.NotEmpty(t, qe.SQLState)
	assert.EqualValues(t, -1, cur.RowCount())
	assert.Equal(t, StateReady, conn.State(), "a statement error leaves the connection usable")
}

func TestCursorClose(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})

	cur := conn.Cursor()
	execute(t, cur, "select 1")
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close(), "closing twice is a no-op")

	ctx := context.Background()
	assert.ErrorIs(t, cur.Execute(ctx, "select 1"), ErrCursorClosed)
	_, err := cur.FetchNext(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)
	_, err = cur.FetchAll(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)
}

func TestConnClose(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	cur := conn.Cursor(WithPageSize(1))
	execute(t, cur, "create table t (id int)")
	execute(t, cur, "insert into t values (1), (2)")
	execute(t, cur, "select * from t")
	require.Equal(t, 1, srv.OpenCursors())
	idle := conn.Cursor()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "closing twice is a no-op")
	assert.Equal(t, StateClosed, conn.State())

	assert.ErrorIs(t, cur.Execute(context.Background(), "select 1"), ErrCursorClosed,
		"closing the connection closes cursors holding rows")
	assert.ErrorIs(t, idle.Execute(context.Background(), "select 1"), ErrConnClosed)
	assert.ErrorIs(t, conn.Cursor().Execute(context.Background(), "select 1"), ErrConnClosed)
	_, err := conn.Begin(context.Background(), TxOptions{})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestAddressFallback(t *testing.T) {
	srv := gridtest.Start(t, gridtest.WithNodeName("survivor"))
	conn := connect(t, Options{
		Addresses:      []string{deadAddr(t), deadAddr(t), srv.Addr()},
		ConnectTimeout: 2 * time.Second,
	})

	assert.Equal(t, "survivor", conn.Node().NodeName)
	assert.Equal(t, srv.Addr(), conn.Addr())

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "select 1")
}

func TestNoAvailableEndpoint(t *testing.T) {
	addrs := []string{deadAddr(t), deadAddr(t)}
	_, err := Connect(context.Background(), Options{Addresses: addrs, Logger: testLogger()})

	var nae *NoAvailableEndpointError
	require.ErrorAs(t, err, &nae)
	require.Len(t, nae.Attempts, 2)
	for _, attempt := range nae.Attempts {
		var ce *ConnectionError
		assert.ErrorAs(t, attempt, &ce)
	}

	_, err = Connect(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestPaging(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}, PageSize: 3})
	ctx := context.Background()

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table t (id bigint primary key)")
	for i := 0; i < 10; i++ {
		execute(t, cur, "insert into t values (?)", i)
	}

	execute(t, cur, "select id from t order by id")
	assert.Equal(t, 1, srv.OpenCursors())

	first, err := cur.FetchMany(ctx, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)
	rest, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 6)
	for i, row := range append(first, rest...) {
		n, ok := row[0].Int64()
		require.True(t, ok)
		assert.EqualValues(t, i, n)
	}
	assert.Equal(t, 0, srv.OpenCursors(), "the server drops the cursor with its last page")
	assert.EqualValues(t, 0, srv.ReleasedCursors())

	_, err = cur.FetchNext(ctx)
	assert.ErrorIs(t, err, ErrEndOfResults)
	more, err := cur.FetchMany(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestEarlyCloseReleasesServerCursor(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	ctx := context.Background()

	cur := conn.Cursor(WithPageSize(2))
	execute(t, cur, "create table t (id int)")
	execute(t, cur, "insert into t values (1), (2), (3), (4), (5)")

	execute(t, cur, "select * from t")
	_, err := cur.FetchNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.OpenCursors())

	// Executing again discards the open result.
	execute(t, cur, "select * from t")
	assert.Equal(t, 1, srv.OpenCursors())
	assert.EqualValues(t, 1, srv.ReleasedCursors())

	require.NoError(t, cur.Close())
	assert.Equal(t, 0, srv.OpenCursors())
	assert.EqualValues(t, 2, srv.ReleasedCursors())
}

func TestBasicAuth(t *testing.T) {
	srv := gridtest.Start(t, gridtest.WithUser("admin", "admin"))

	conn := connect(t, Options{
		Addresses:   []string{srv.Addr()},
		Credentials: &BasicAuth{Username: "admin", Password: "admin"},
	})
	assert.Equal(t, StateReady, conn.State())

	_, err := Dial(context.Background(), srv.Addr(), Options{
		Credentials: &BasicAuth{Username: "admin", Password: "wrong"},
		Logger:      testLogger(),
	})
	var ae *AuthError
	require.ErrorAs(t, err, &ae)

	_, err = Dial(context.Background(), srv.Addr(), Options{Logger: testLogger()})
	require.ErrorAs(t, err, &ae)
}

func TestTokenAuth(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	srv := gridtest.Start(t, gridtest.WithJWTKey(key))

	conn := connect(t, Options{
		Addresses:   []string{srv.Addr()},
		Credentials: &TokenAuth{Subject: "reporting", Key: key},
	})
	assert.Equal(t, StateReady, conn.State())

	_, err := Dial(context.Background(), srv.Addr(), Options{
		Credentials: &TokenAuth{Subject: "reporting", Key: []byte("another key, another signature!")},
		Logger:      testLogger(),
	})
	var ae *AuthError
	require.ErrorAs(t, err, &ae)

	_, err = Dial(context.Background(), srv.Addr(), Options{
		Credentials: &TokenAuth{Subject: "reporting"},
		Logger:      testLogger(),
	})
	require.ErrorAs(t, err, &ae, "an empty signing key is rejected locally")
}

func TestVersionDowngrade(t *testing.T) {
	srv := gridtest.Start(t, gridtest.WithVersions(protocol.V3_0_0))
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})

	assert.Equal(t, "3.0.0", conn.Node().ProtocolVersion)

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "select 1")
	assert.Zero(t, conn.ObservableTimestamp(), "3.0.0 responses carry no observable timestamp")
}

func TestWebSocket(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.WebSocketAddr()}, PageSize: 2})
	ctx := context.Background()

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table t (id int, payload varbinary)")
	execute(t, cur, "insert into t values (?, ?), (?, ?), (?, ?)", 1, []byte{1, 2}, 2, []byte{}, 3, nil)
	assert.EqualValues(t, 3, cur.RowCount())

	execute(t, cur, "select payload from t order by id")
	rows, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	b, ok := rows[0][0].Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)
	b, ok = rows[1][0].Bytes()
	require.True(t, ok, "an empty byte array is not NULL")
	assert.Empty(t, b)
	assert.True(t, rows[2][0].IsNull())
}

func TestObservableTimestamp(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table t (id int)")
	ts := conn.ObservableTimestamp()
	assert.Positive(t, ts)

	execute(t, cur, "insert into t values (1)")
	assert.Equal(t, ts, srv.LastObservableTs())
	assert.Greater(t, conn.ObservableTimestamp(), ts)
}

func TestHeartbeat(t *testing.T) {
	srv := gridtest.Start(t, gridtest.WithIdleTimeout(300*time.Millisecond))
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	assert.Equal(t, 300*time.Millisecond, conn.Node().IdleTimeout)

	require.Eventually(t, func() bool {
		return srv.Requests(protocol.OpHeartbeat) >= 3
	}, 3*time.Second, 20*time.Millisecond)

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "select 1")
	assert.Equal(t, StateReady, conn.State())
}

func TestServerDropFailsConnection(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}, HeartbeatInterval: -1})

	srv.DropConnections()
	require.Eventually(t, func() bool { return conn.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	err := conn.Cursor().Execute(context.Background(), "select 1")
	require.ErrorIs(t, err, ErrConnClosed)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestTimeoutReleasesOrphanedCursor(t *testing.T) {
	release := make(chan struct{})
	srv := gridtest.Start(t, gridtest.WithRequestHook(func(req protocol.Request) {
		if r, ok := req.(*protocol.SQLExecRequest); ok && r.Query == "select id from t" {
			<-release
		}
	}))
	conn := connect(t, Options{Addresses: []string{srv.Addr()}, PageSize: 1})

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table t (id int)")
	execute(t, cur, "insert into t values (1), (2), (3)")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := cur.Execute(ctx, "select id from t")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, cur.HasRowSet())
	close(release)

	require.Eventually(t, func() bool {
		return srv.ReleasedCursors() == 1 && srv.OpenCursors() == 0
	}, 2*time.Second, 10*time.Millisecond)

	execute(t, cur, "select 1")
	assert.Equal(t, StateReady, conn.State())
}

func TestTransactions(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	ctx := context.Background()

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table t (id int)")

	tx, err := conn.Begin(ctx, TxOptions{})
	require.NoError(t, err)
	txCur := tx.Cursor()
	execute(t, txCur, "insert into t values (1)")
	assert.Empty(t, srv.Engine().Rows("t"))
	require.NoError(t, tx.Commit(ctx))
	assert.Len(t, srv.Engine().Rows("t"), 1)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTxDone)

	var qe *QueryError
	require.ErrorAs(t, txCur.Execute(ctx, "select 1"), &qe)
	assert.Equal(t, protocol.CodeTxNotFound, qe.Code)

	tx, err = conn.Begin(ctx, TxOptions{})
	require.NoError(t, err)
	execute(t, tx.Cursor(), "delete from t")
	require.NoError(t, tx.Rollback(ctx))
	assert.Len(t, srv.Engine().Rows("t"), 1)

	tx, err = conn.Begin(ctx, TxOptions{ReadOnly: true})
	require.NoError(t, err)
	require.ErrorAs(t, tx.Cursor().Execute(ctx, "delete from t"), &qe)
	assert.Equal(t, protocol.CodeSQL, qe.Code)
	require.NoError(t, tx.Rollback(ctx))
}

func TestWithTx(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	ctx := context.Background()

	require.NoError(t, conn.WithCursor(func(cur *Cursor) error {
		return cur.Execute(ctx, "create table t (id int)")
	}))

	err := conn.WithTx(ctx, TxOptions{}, func(tx *Tx) error {
		return tx.Cursor().Execute(ctx, "insert into t values (1)")
	})
	require.NoError(t, err)
	assert.Len(t, srv.Engine().Rows("t"), 1)

	boom := errors.New("boom")
	err = conn.WithTx(ctx, TxOptions{}, func(tx *Tx) error {
		if err := tx.Cursor().Execute(ctx, "insert into t values (2)"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, srv.Engine().Rows("t"), 1)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = conn.WithTx(ctx, TxOptions{}, func(tx *Tx) error {
			_ = tx.Cursor().Execute(ctx, "insert into t values (3)")
			panic("kaboom")
		})
	})
	assert.Len(t, srv.Engine().Rows("t"), 1)
	assert.Equal(t, 3, srv.Requests(protocol.OpTxBegin))
	assert.Equal(t, 2, srv.Requests(protocol.OpTxRollback))
}

func TestValueRoundTrip(t *testing.T) {
	srv := gridtest.Start(t)
	conn := connect(t, Options{Addresses: []string{srv.Addr()}})
	ctx := context.Background()

	cur := conn.Cursor()
	defer cur.Close()
	execute(t, cur, "create table v (id int primary key, d date, ts timestamp, s smallint, flag boolean)")

	day := time.Date(1969, 7, 20, 20, 17, 40, 0, time.UTC)
	execute(t, cur, "insert into v values (?, ?, ?, ?, ?)", 1, NewDate(day), day, NewInt16(-3), true)
	execute(t, cur, "select d, ts, s, flag from v where id = 1")

	row, err := cur.FetchNext(ctx)
	require.NoError(t, err)
	d, _ := row[0].Time()
	assert.Equal(t, time.Date(1969, 7, 20, 0, 0, 0, 0, time.UTC), d)
	ts, _ := row[1].Time()
	assert.True(t, day.Equal(ts))
	assert.Equal(t, int16(-3), row[2].Any())
	assert.Equal(t, true, row[3].Any())

	cols := cur.Columns()
	require.Len(t, cols, 4)
	assert.Equal(t, TypeDate, cols[0].Type)
	assert.Equal(t, "D", cols[0].Name)

	assert.ErrorIs(t, cur.Execute(ctx, "select ?", struct{}{}), ErrUnsupportedType)
}
