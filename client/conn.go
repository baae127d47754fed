package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"gridsql/internal/protocol"
	"gridsql/internal/transport"
)

// State is the lifecycle state of a Conn. It only moves forward.
type State int32

const (
	StateUnconnected State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// NodeInfo describes the node a Conn is attached to.
type NodeInfo struct {
	NodeID          string
	NodeName        string
	ClusterID       string
	ClusterName     string
	ProtocolVersion string
	// IdleTimeout is how long the server keeps a silent connection open.
	IdleTimeout time.Duration
}

// Conn is one session with a cluster node. Requests from any number of
// goroutines are pipelined on the stream and matched to responses by
// request id.
type Conn struct {
	id     string
	addr   transport.Address
	opts   Options
	logger *slog.Logger

	nc transport.Conn
	fr *protocol.FrameReader

	// wmu serializes frame writes; a frame is never interleaved with another.
	wmu sync.Mutex
	bw  *bufio.Writer

	// version and node are set by the handshake and read-only afterwards.
	version protocol.Version
	node    NodeInfo

	state        atomic.Int32
	nextID       atomic.Int64
	observableTs atomic.Int64
	inflight     *semaphore.Weighted

	mu      sync.Mutex
	calls   map[int64]*call      // nil once closed
	cursors map[*Cursor]struct{} // cursors holding a server cursor
	schema  string
	err     error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type call struct {
	op   protocol.Op
	resp chan result // buffered; receives exactly one result
	// abandoned is set under Conn.mu when the caller stopped waiting for a
	// SQL_EXEC response; the reader then releases any cursor it opened.
	abandoned bool
}

type result struct {
	hdr  protocol.ResponseHeader
	body []byte
	err  error
}

func newConn(addr transport.Address, nc transport.Conn, opts Options) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		addr:     addr,
		opts:     opts,
		logger:   opts.Logger.With("conn_id", id, "addr", addr.String()),
		nc:       nc,
		fr:       protocol.NewFrameReader(nc),
		bw:       bufio.NewWriterSize(nc, 32<<10),
		inflight: semaphore.NewWeighted(opts.MaxInFlight),
		calls:    make(map[int64]*call),
		cursors:  make(map[*Cursor]struct{}),
		schema:   opts.Schema,
		closed:   make(chan struct{}),
	}
}

// start moves a handshaken Conn to Ready and launches its reader and
// heartbeat goroutines.
func (c *Conn) start() {
	c.state.Store(int32(StateReady))

	c.wg.Add(1)
	go c.serve()

	if interval := c.heartbeatInterval(); interval > 0 {
		c.wg.Add(1)
		go c.heartbeat(interval)
	}
}

func (c *Conn) heartbeatInterval() time.Duration {
	hb := c.opts.HeartbeatInterval
	if hb < 0 {
		return 0
	}
	if idle := c.node.IdleTimeout; idle > 0 && (hb == 0 || idle/3 < hb) {
		hb = idle / 3
	}
	return hb
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Addr() string { return c.addr.String() }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Node() NodeInfo { return c.node }

// Schema returns the default schema used by cursors created afterwards.
func (c *Conn) Schema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

func (c *Conn) SetSchema(schema string) {
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
}

// ObservableTimestamp is the newest server timestamp observed on this
// connection. It is sent with every statement so reads see prior writes.
func (c *Conn) ObservableTimestamp() int64 { return c.observableTs.Load() }

func (c *Conn) observe(ts int64) {
	for {
		cur := c.observableTs.Load()
		if ts <= cur || c.observableTs.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Close closes cursors that hold a server cursor and are not in use, asking
// the server to drop them without waiting for its answer. It then closes the
// transport and fails all requests still waiting with ErrConnClosed. Calling
// Close again is a no-op.
func (c *Conn) Close() error {
	if c.State() != StateClosed {
		c.mu.Lock()
		open := make([]*Cursor, 0, len(c.cursors))
		for cur := range c.cursors {
			open = append(open, cur)
		}
		c.mu.Unlock()

		for _, cur := range open {
			cur.closeIfIdle()
		}
		c.fail(ErrConnClosed)
	}
	c.wg.Wait()
	return nil
}

// fail closes the connection with a terminal error. Only the first call has
// an effect.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		c.err = err
		pending := c.calls
		c.calls = nil
		c.cursors = nil
		c.mu.Unlock()

		close(c.closed)
		_ = c.nc.Close()

		for _, cl := range pending {
			cl.resp <- result{err: err}
		}

		if errors.Is(err, ErrConnClosed) {
			c.logger.Debug("connection closed")
		} else {
			c.logger.Warn("connection failed", "error", err, "pending_requests", len(pending))
		}
	})
}

// closedErr is returned to requests issued after the connection closed.
func (c *Conn) closedErr() error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err == nil || errors.Is(err, ErrConnClosed) {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, err)
}

// serve reads frames until the stream fails and hands each response to the
// request waiting for its id.
func (c *Conn) serve() {
	defer c.wg.Done()

	for {
		payload, err := c.fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, protocol.ErrProtocol) {
				err = &ConnectionError{Addr: c.addr.String(), Err: err}
			}
			c.fail(err)
			return
		}

		hdr, body, err := protocol.DecodeResponse(c.version, payload)
		if err != nil {
			c.fail(err)
			return
		}
		c.observe(hdr.ObservableTs)

		c.mu.Lock()
		cl, ok := c.calls[hdr.RequestID]
		delete(c.calls, hdr.RequestID)
		abandoned := ok && cl.abandoned
		c.mu.Unlock()

		switch {
		case !ok:
			c.logger.Debug("discarding response to unknown request", "request_id", hdr.RequestID)
		case abandoned:
			c.releaseOrphan(result{hdr: hdr, body: body})
		default:
			cl.resp <- result{hdr: hdr, body: body}
		}
	}
}

func (c *Conn) heartbeat(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		// Heartbeats do not take an in-flight slot.
		ctx, cancel := context.WithTimeout(context.Background(), max(interval, time.Second))
		_, _, err := c.exchange(ctx, &protocol.HeartbeatRequest{}, false)
		cancel()
		if err == nil {
			continue
		}
		if c.State() == StateClosed {
			return
		}
		c.fail(&ConnectionError{Addr: c.addr.String(), Err: fmt.Errorf("heartbeat: %w", err)})
		return
	}
}

// Ping sends a heartbeat and waits for the answer.
func (c *Conn) Ping(ctx context.Context) error {
	_, _, err := c.roundTrip(ctx, &protocol.HeartbeatRequest{})
	return err
}

// roundTrip sends req and waits for its response. A server error in the
// response is returned as *QueryError and leaves the connection usable.
func (c *Conn) roundTrip(ctx context.Context, req protocol.Request) (protocol.ResponseHeader, []byte, error) {
	return c.exchange(ctx, req, true)
}

// exchange is roundTrip with the in-flight limit optional. Internal traffic
// such as heartbeats and cursor releases passes limited=false.
func (c *Conn) exchange(ctx context.Context, req protocol.Request, limited bool) (protocol.ResponseHeader, []byte, error) {
	if c.opts.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
		}
	}

	if limited {
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return protocol.ResponseHeader{}, nil, ctxError(req.Op(), err)
		}
		defer c.inflight.Release(1)
	}

	id, cl, err := c.send(req)
	if err != nil {
		return protocol.ResponseHeader{}, nil, err
	}
	r, err := c.receive(ctx, id, cl)
	if err != nil {
		return protocol.ResponseHeader{}, nil, err
	}
	if r.hdr.Err != nil {
		return r.hdr, nil, queryError(r.hdr.Err)
	}
	return r.hdr, r.body, nil
}

// send registers a waiting slot and writes the request frame. The write
// itself is not interruptible; a stuck write ends when the connection is
// closed.
func (c *Conn) send(req protocol.Request) (int64, *call, error) {
	if c.State() != StateReady {
		return 0, nil, c.closedErr()
	}

	id := c.nextID.Add(1)
	payload, err := protocol.EncodeRequest(id, req)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", req.Op(), err)
	}
	if len(payload) > protocol.MaxFrameSize {
		return 0, nil, fmt.Errorf("%s request of %d bytes exceeds the frame limit", req.Op(), len(payload))
	}

	cl := &call{op: req.Op(), resp: make(chan result, 1)}
	c.mu.Lock()
	if c.calls == nil {
		c.mu.Unlock()
		return 0, nil, c.closedErr()
	}
	c.calls[id] = cl
	c.mu.Unlock()

	c.wmu.Lock()
	err = protocol.WriteFrame(c.bw, payload)
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()

	if err != nil {
		if c.State() == StateClosed {
			return 0, nil, c.closedErr()
		}
		cerr := &ConnectionError{Addr: c.addr.String(), Err: err}
		c.fail(cerr)
		return 0, nil, cerr
	}
	return id, cl, nil
}

// receive waits for the response to request id. If ctx ends first the slot
// is abandoned and the connection stays healthy.
func (c *Conn) receive(ctx context.Context, id int64, cl *call) (result, error) {
	select {
	case r := <-cl.resp:
		return r, r.err
	case <-ctx.Done():
		c.abandon(id, cl)
		return result{}, ctxError(cl.op, ctx.Err())
	}
}

func (c *Conn) abandon(id int64, cl *call) {
	c.mu.Lock()
	_, pending := c.calls[id]
	if pending {
		if cl.op == protocol.OpSQLExec {
			cl.abandoned = true
		} else {
			delete(c.calls, id)
		}
	}
	c.mu.Unlock()

	// The reader already claimed the response and is about to deliver it.
	if !pending && cl.op == protocol.OpSQLExec {
		go func() { c.releaseOrphan(<-cl.resp) }()
	}
}

// releaseOrphan closes a server cursor opened by a statement whose caller
// stopped waiting.
func (c *Conn) releaseOrphan(r result) {
	if r.err != nil || r.hdr.Err != nil {
		return
	}
	resp, err := protocol.DecodeSQLExecResponse(r.body)
	if err != nil || resp.ResourceID == nil || !resp.HasMore {
		return
	}
	go c.releaseResource(*resp.ResourceID)
}

// releaseResource asks the server to drop a cursor. Failures are logged.
func (c *Conn) releaseResource(resourceID int64) {
	if c.State() != StateReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if _, _, err := c.exchange(ctx, &protocol.CursorCloseRequest{ResourceID: resourceID}, false); err != nil {
		c.logger.Warn("failed to release server cursor", "resource_id", resourceID, "error", err)
	}
}

// postRelease writes a cursor release without waiting for the answer. The
// slot is dropped when the answer arrives or the connection closes.
func (c *Conn) postRelease(resourceID int64) {
	if c.State() != StateReady {
		return
	}
	if _, _, err := c.send(&protocol.CursorCloseRequest{ResourceID: resourceID}); err != nil {
		c.logger.Debug("failed to send cursor release", "resource_id", resourceID, "error", err)
	}
}

func (c *Conn) register(cur *Cursor) {
	c.mu.Lock()
	if c.cursors != nil {
		c.cursors[cur] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Conn) forget(cur *Cursor) {
	c.mu.Lock()
	delete(c.cursors, cur)
	c.mu.Unlock()
}

func ctxError(op protocol.Op, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op.String(), Err: err}
	}
	return err
}
