package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridsql/internal/protocol"
)

// CursorOption configures a new Cursor.
type CursorOption func(*Cursor)

// WithPageSize overrides the connection's page size for one cursor.
func WithPageSize(n int) CursorOption {
	return func(c *Cursor) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Cursor executes statements and iterates over their results. It holds at
// most one open result set; executing again discards the previous one.
// A Cursor's methods may be called from several goroutines but run one at a
// time.
type Cursor struct {
	conn *Conn
	tx   *Tx

	mu       sync.Mutex
	closed   bool
	pageSize int

	rowSet     bool
	columns    []Column
	page       []Row
	pos        int
	hasMore    bool
	resourceID *int64
	rowCount   int64
	wasApplied bool
}

// Cursor returns a new cursor on c. Any number of cursors may be open on one
// connection at a time.
func (c *Conn) Cursor(opts ...CursorOption) *Cursor {
	cur := &Cursor{conn: c, pageSize: c.opts.PageSize, rowCount: -1}
	for _, opt := range opts {
		opt(cur)
	}
	return cur
}

// WithCursor runs fn with a new cursor and closes it however fn exits.
func (c *Conn) WithCursor(fn func(*Cursor) error) error {
	cur := c.Cursor()
	defer cur.Close()
	return fn(cur)
}

// Execute runs one SQL statement with positional arguments. Arguments are
// typed from their Go type; pass a Value such as NewInt16(v) to choose the
// SQL type explicitly. On failure RowCount is -1 and no result set is open.
func (c *Cursor) Execute(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCursorClosed
	}
	c.discard()

	values := make([]Value, len(args))
	for i, a := range args {
		v, err := protocol.ValueOf(a)
		if err != nil {
			return err
		}
		values[i] = v
	}

	req := &protocol.SQLExecRequest{
		Schema:       c.conn.Schema(),
		PageSize:     c.pageSize,
		Timeout:      statementTimeout(ctx, c.conn.opts.RequestTimeout),
		Query:        query,
		Args:         values,
		ObservableTs: c.conn.ObservableTimestamp(),
	}
	if c.tx != nil {
		id := c.tx.id
		req.TxID = &id
	}

	_, body, err := c.conn.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	resp, err := protocol.DecodeSQLExecResponse(body)
	if err == nil && resp.HasMore && resp.ResourceID == nil {
		err = fmt.Errorf("%w: paged result without a cursor id", ErrProtocol)
	}
	if err != nil {
		c.conn.fail(err)
		return err
	}

	c.wasApplied = resp.WasApplied
	if !resp.HasRowSet {
		c.rowCount = resp.AffectedRows
		return nil
	}
	c.rowSet = true
	c.columns = resp.Columns
	c.page = resp.Rows
	c.hasMore = resp.HasMore
	if resp.HasMore {
		c.resourceID = resp.ResourceID
		c.conn.register(c)
	}
	return nil
}

// discard drops the current result, releasing its server cursor if the
// server still holds one.
func (c *Cursor) discard() {
	if c.resourceID != nil {
		c.conn.releaseResource(*c.resourceID)
		c.conn.forget(c)
	}
	c.reset()
}

func (c *Cursor) reset() {
	c.rowSet = false
	c.columns = nil
	c.page = nil
	c.pos = 0
	c.hasMore = false
	c.resourceID = nil
	c.rowCount = -1
	c.wasApplied = false
}

// RowCount is the number of rows changed by the last statement, or -1 when
// the statement returned rows, did not report a count, failed, or no
// statement ran yet.
func (c *Cursor) RowCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowCount
}

// Columns describes the current result set; nil when there is none.
func (c *Cursor) Columns() []Column {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns
}

// HasRowSet reports whether the last statement produced a result set.
func (c *Cursor) HasRowSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowSet
}

// WasApplied reports whether a conditional DDL statement changed anything.
func (c *Cursor) WasApplied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasApplied
}

// SetPageSize sets the page size for statements executed afterwards.
func (c *Cursor) SetPageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.pageSize = n
	}
}

// FetchNext returns the next row, fetching another page from the server when
// the current one is used up. It returns ErrEndOfResults after the last row.
func (c *Cursor) FetchNext(ctx context.Context) (Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchNext(ctx)
}

func (c *Cursor) fetchNext(ctx context.Context) (Row, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	if !c.rowSet {
		return nil, ErrNoResultSet
	}
	for c.pos >= len(c.page) {
		if !c.hasMore {
			return nil, ErrEndOfResults
		}
		if err := c.nextPage(ctx); err != nil {
			return nil, err
		}
	}
	row := c.page[c.pos]
	c.pos++
	return row, nil
}

func (c *Cursor) nextPage(ctx context.Context) error {
	_, body, err := c.conn.roundTrip(ctx, &protocol.NextPageRequest{ResourceID: *c.resourceID})
	if err != nil {
		return err
	}
	resp, err := protocol.DecodeNextPageResponse(body, c.columns)
	if err != nil {
		c.conn.fail(err)
		return err
	}
	c.page = resp.Rows
	c.pos = 0
	c.hasMore = resp.HasMore
	if !resp.HasMore {
		// The server dropped the cursor with its last page.
		c.resourceID = nil
		c.conn.forget(c)
	}
	return nil
}

// FetchMany returns up to n rows. An empty result means the set is
// exhausted.
func (c *Cursor) FetchMany(ctx context.Context, n int) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := make([]Row, 0, max(n, 0))
	for len(rows) < n {
		row, err := c.fetchNext(ctx)
		if errors.Is(err, ErrEndOfResults) {
			break
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns every remaining row.
func (c *Cursor) FetchAll(ctx context.Context) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Row
	for {
		row, err := c.fetchNext(ctx)
		if errors.Is(err, ErrEndOfResults) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

// Close releases the server cursor if rows remain. Release failures are
// logged, not returned. Closing twice is a no-op.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.discard()
	return nil
}

// closeIfIdle closes the cursor for Conn.Close unless another goroutine is
// using it; a busy cursor fails with the connection instead. The release is
// sent without waiting for the server.
func (c *Cursor) closeIfIdle() {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.resourceID != nil {
		c.conn.postRelease(*c.resourceID)
	}
	c.reset()
}

// statementTimeout is the server-side timeout sent with a statement: the
// time left on ctx, else the configured request timeout.
func statementTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return max(time.Until(deadline), time.Millisecond)
	}
	return fallback
}
