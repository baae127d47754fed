// Package gridtest runs an in-process cluster node speaking the client wire
// protocol, backed by a small in-memory SQL engine. It backs the tests and
// the gridsql-devnode command.
package gridtest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"gridsql/internal/protocol"
	"gridsql/internal/transport"
)

// WebSocketPath is where the WebSocket endpoint is served.
const WebSocketPath = "/gridsql"

type options struct {
	nodeName    string
	versions    []protocol.Version
	idleTimeout time.Duration
	users       map[string][]byte
	jwtKey      []byte
	hook        func(protocol.Request)
	logger      *slog.Logger
	listenAddr  string
}

// Option configures a Server.
type Option func(*options)

// WithNodeName sets the node name reported in the handshake.
func WithNodeName(name string) Option {
	return func(o *options) { o.nodeName = name }
}

// WithVersions limits the protocol versions the server accepts. The first
// one is proposed to clients asking for anything else.
func WithVersions(v ...protocol.Version) Option {
	return func(o *options) { o.versions = v }
}

// WithIdleTimeout sets the idle timeout announced to clients. Connections
// silent for longer are dropped.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithUser requires authentication and adds a user for basic auth.
func WithUser(name, password string) Option {
	return func(o *options) {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		if o.users == nil {
			o.users = make(map[string][]byte)
		}
		o.users[name] = hash
	}
}

// WithJWTKey requires authentication and accepts HS256 tokens signed with
// key whose subject matches the identity.
func WithJWTKey(key []byte) Option {
	return func(o *options) { o.jwtKey = key }
}

// WithRequestHook calls fn with every decoded request before it is handled.
// Handling of later requests on the same connection waits for fn.
func WithRequestHook(fn func(protocol.Request)) Option {
	return func(o *options) { o.hook = fn }
}

// WithListenAddr sets the TCP listen address. The default is a free
// loopback port.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listenAddr = addr }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Server is a single cluster node listening on a loopback TCP port and on a
// WebSocket endpoint.
type Server struct {
	opts      options
	engine    *Engine
	nodeID    string
	clusterID string

	ln net.Listener
	ws *httptest.Server

	clock      atomic.Int64
	lastSeenTs atomic.Int64
	nextCursor atomic.Int64
	released   atomic.Int64

	mu      sync.Mutex
	conns   map[*serverConn]struct{}
	ops     map[protocol.Op]int
	closing bool

	wg sync.WaitGroup
}

// Start launches a Server and stops it when the test ends.
func Start(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s, err := NewServer(opts...)
	if err != nil {
		tb.Fatalf("start test server: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

func NewServer(opts ...Option) (*Server, error) {
	o := options{
		nodeName:   "gridtest-node",
		versions:   slices.Clone(protocol.SupportedVersions),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		listenAddr: "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(&o)
	}

	ln, err := net.Listen("tcp", o.listenAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:      o,
		engine:    NewEngine(),
		nodeID:    uuid.NewString(),
		clusterID: uuid.NewString(),
		ln:        ln,
		conns:     make(map[*serverConn]struct{}),
		ops:       make(map[protocol.Op]int),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			http.Error(w, "server closing", http.StatusServiceUnavailable)
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.opts.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		s.serve(transport.NewWebSocketConn(ws))
	})
	s.ws = httptest.NewServer(mux)

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr is the TCP address as host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// WebSocketAddr is the ws:// address of the WebSocket endpoint.
func (s *Server) WebSocketAddr() string {
	return "ws://" + strings.TrimPrefix(s.ws.URL, "http://") + WebSocketPath
}

func (s *Server) Engine() *Engine { return s.engine }

func (s *Server) NodeName() string { return s.opts.nodeName }

// OpenCursors counts server cursors still holding rows on live connections.
func (s *Server) OpenCursors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		c.mu.Lock()
		n += len(c.cursors)
		c.mu.Unlock()
	}
	return n
}

// ReleasedCursors counts cursors closed by an explicit client request.
func (s *Server) ReleasedCursors() int64 { return s.released.Load() }

// Requests counts handled requests with the given op.
func (s *Server) Requests(op protocol.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// LastObservableTs is the newest observable timestamp sent by a client.
func (s *Server) LastObservableTs() int64 { return s.lastSeenTs.Load() }

// Connections counts live client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client connection without a goodbye.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.nc.Close()
	}
}

// Close stops listening, drops connections and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.DropConnections()
	s.ws.CloseClientConnections()
	s.ws.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.opts.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(nc)
		}()
	}
}

type serverConn struct {
	nc      transport.Conn
	fr      *protocol.FrameReader
	bw      *bufio.Writer
	version protocol.Version

	mu      sync.Mutex
	cursors map[int64]*serverCursor
}

type serverCursor struct {
	pageSize int
	rows     []protocol.Row
}

func (s *Server) serve(nc transport.Conn) {
	c := &serverConn{
		nc:      nc,
		fr:      protocol.NewFrameReader(nc),
		bw:      bufio.NewWriter(nc),
		cursors: make(map[int64]*serverCursor),
	}
	defer nc.Close()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	logger := s.opts.logger.With("remote", nc.RemoteAddr().String())
	if err := s.handshake(c); err != nil {
		logger.Debug("handshake failed", "error", err)
		return
	}

	for {
		if s.opts.idleTimeout > 0 {
			_ = nc.SetDeadline(time.Now().Add(s.opts.idleTimeout))
		}
		payload, err := c.fr.ReadFrame()
		if err != nil {
			logger.Debug("connection ended", "error", err)
			return
		}
		id, req, err := protocol.DecodeRequest(payload)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownOp) {
				logger.Warn("malformed request", "error", err)
				return
			}
			err = c.reply(id, s.clock.Load(), nil, &protocol.ErrorPayload{Code: protocol.CodeUnsupportedOp, Message: err.Error()})
			if err != nil {
				return
			}
			continue
		}

		if s.opts.hook != nil {
			s.opts.hook(req)
		}
		s.mu.Lock()
		s.ops[req.Op()]++
		s.mu.Unlock()

		body, errPayload := s.handle(c, req)
		if err := c.reply(id, s.clock.Add(1), body, errPayload); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (c *serverConn) reply(id, ts int64, body protocol.ResponseBody, e *protocol.ErrorPayload) error {
	payload, err := protocol.EncodeResponse(c.version, protocol.ResponseHeader{
		RequestID:    id,
		ObservableTs: ts,
		Err:          e,
	}, body)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(c.bw, payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (s *Server) handshake(c *serverConn) error {
	if err := c.fr.ReadMagic(); err != nil {
		return err
	}
	frame, err := c.fr.ReadFrame()
	if err != nil {
		return err
	}
	req, err := protocol.DecodeHandshakeRequest(frame)
	if err != nil {
		return err
	}

	resp := &protocol.HandshakeResponse{Version: req.Version}
	switch {
	case !slices.Contains(s.opts.versions, req.Version):
		resp.Version = s.opts.versions[0]
		resp.Err = &protocol.ErrorPayload{
			Code:    protocol.CodeVersionMismatch,
			Message: fmt.Sprintf("unsupported protocol version %s", req.Version),
		}
	default:
		if err := s.authenticate(req.Extensions); err != nil {
			resp.Err = &protocol.ErrorPayload{Code: protocol.CodeAuthFailed, Message: err.Error()}
		}
	}
	if resp.Err == nil {
		resp.IdleTimeout = s.opts.idleTimeout
		resp.NodeID = s.nodeID
		resp.NodeName = s.opts.nodeName
		resp.ClusterID = s.clusterID
		resp.ClusterName = "gridtest"
	}

	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	if err := protocol.WriteMagic(c.bw); err != nil {
		return err
	}
	if err := protocol.WriteFrame(c.bw, payload); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}
	c.version = req.Version
	return nil
}

func (s *Server) authenticate(ext map[string]string) error {
	if s.opts.users == nil && s.opts.jwtKey == nil {
		return nil
	}
	identity := ext[protocol.ExtAuthIdentity]
	secret := ext[protocol.ExtAuthSecret]

	switch typ := ext[protocol.ExtAuthType]; typ {
	case "basic":
		hash, ok := s.opts.users[identity]
		if !ok {
			return errors.New("authentication failed")
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
			return errors.New("authentication failed")
		}
		return nil
	case "jwt":
		if s.opts.jwtKey == nil {
			return errors.New("token authentication is disabled")
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(secret, &claims, func(t *jwt.Token) (any, error) {
			return s.opts.jwtKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		if claims.Subject != identity {
			return errors.New("token subject does not match identity")
		}
		return nil
	case "":
		return errors.New("authentication required")
	default:
		return fmt.Errorf("unsupported authentication type %q", typ)
	}
}

func (s *Server) handle(c *serverConn, req protocol.Request) (protocol.ResponseBody, *protocol.ErrorPayload) {
	switch r := req.(type) {
	case *protocol.HeartbeatRequest:
		return nil, nil
	case *protocol.TxBeginRequest:
		return &protocol.TxBeginResponse{TxID: s.engine.Begin(r.ReadOnly)}, nil
	case *protocol.TxCommitRequest:
		return nil, txError(s.engine.Commit(r.TxID))
	case *protocol.TxRollbackRequest:
		return nil, txError(s.engine.Rollback(r.TxID))
	case *protocol.SQLExecRequest:
		return s.exec(c, r)
	case *protocol.NextPageRequest:
		return c.nextPage(r)
	case *protocol.CursorCloseRequest:
		c.mu.Lock()
		_, ok := c.cursors[r.ResourceID]
		delete(c.cursors, r.ResourceID)
		c.mu.Unlock()
		if !ok {
			return nil, cursorNotFound(r.ResourceID)
		}
		s.released.Add(1)
		return nil, nil
	}
	return nil, &protocol.ErrorPayload{Code: protocol.CodeUnsupportedOp, Message: fmt.Sprintf("unsupported op %s", req.Op())}
}

func (s *Server) exec(c *serverConn, r *protocol.SQLExecRequest) (protocol.ResponseBody, *protocol.ErrorPayload) {
	for {
		seen := s.lastSeenTs.Load()
		if r.ObservableTs <= seen || s.lastSeenTs.CompareAndSwap(seen, r.ObservableTs) {
			break
		}
	}

	res, err := s.engine.Exec(r.TxID, r.Query, r.Args)
	if err != nil {
		var sqlErr *SQLError
		if errors.As(err, &sqlErr) {
			return nil, &protocol.ErrorPayload{Code: protocol.CodeSQL, SQLState: sqlErr.State, Message: sqlErr.Message, TraceID: uuid.NewString()}
		}
		return nil, txError(err)
	}
	if res.Type != Rows {
		return &protocol.SQLExecResponse{AffectedRows: res.RowsAffected, WasApplied: res.Applied}, nil
	}

	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = len(res.Rows)
	}
	resp := &protocol.SQLExecResponse{HasRowSet: true, AffectedRows: -1, Columns: res.Columns}
	if len(res.Rows) <= pageSize {
		resp.Rows = res.Rows
		return resp, nil
	}
	id := s.nextCursor.Add(1)
	resp.ResourceID = &id
	resp.HasMore = true
	resp.Rows = res.Rows[:pageSize]

	c.mu.Lock()
	c.cursors[id] = &serverCursor{pageSize: pageSize, rows: res.Rows[pageSize:]}
	c.mu.Unlock()
	return resp, nil
}

// nextPage serves the remaining rows of a cursor in pages of the size the
// first page had. The cursor is dropped with its last page.
func (c *serverConn) nextPage(r *protocol.NextPageRequest) (protocol.ResponseBody, *protocol.ErrorPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.cursors[r.ResourceID]
	if !ok {
		return nil, cursorNotFound(r.ResourceID)
	}
	n := cur.pageSize
	if n >= len(cur.rows) {
		delete(c.cursors, r.ResourceID)
		return &protocol.NextPageResponse{Rows: cur.rows}, nil
	}
	page := cur.rows[:n]
	cur.rows = cur.rows[n:]
	return &protocol.NextPageResponse{Rows: page, HasMore: true}, nil
}

func cursorNotFound(id int64) *protocol.ErrorPayload {
	return &protocol.ErrorPayload{Code: protocol.CodeResourceNotFound, Message: fmt.Sprintf("cursor %d not found", id)}
}

func txError(err error) *protocol.ErrorPayload {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTxNotFound):
		return &protocol.ErrorPayload{Code: protocol.CodeTxNotFound, Message: err.Error()}
	}
	return &protocol.ErrorPayload{Code: protocol.CodeInternal, Message: err.Error()}
}
