package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gridsql/internal/protocol"
	"gridsql/internal/transport"
)

// Dial connects to a single address and performs the handshake.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	addr, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return dial(ctx, addr, opts.withDefaults())
}

// Connect tries opts.Addresses in order and returns the first connection
// whose handshake succeeds. If every address fails, the error is a
// *NoAvailableEndpointError holding each attempt's error.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if len(opts.Addresses) == 0 {
		return nil, ErrNoAddresses
	}
	addrs, err := transport.ParseAddresses(opts.Addresses)
	if err != nil {
		return nil, err
	}

	var attempts []error
	for _, addr := range addrs {
		c, err := dial(ctx, addr, opts)
		if err == nil {
			return c, nil
		}
		opts.Logger.Warn("endpoint unavailable", "addr", addr.String(), "error", err)
		attempts = append(attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &NoAvailableEndpointError{Attempts: attempts}
}

// WithConn connects, runs fn and closes the connection however fn exits.
func WithConn(ctx context.Context, opts Options, fn func(*Conn) error) error {
	c, err := Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// versionMismatchError is a handshake rejection that names the protocol
// version the server would accept instead.
type versionMismatchError struct {
	proposed protocol.Version
	server   protocol.Version
	message  string
}

func (e *versionMismatchError) Error() string {
	return fmt.Sprintf("protocol version %s rejected, server speaks %s: %s", e.proposed, e.server, e.message)
}

// dial handshakes with the newest protocol version and, if the server
// rejects it in favor of another supported version, reconnects once with
// that version.
func dial(ctx context.Context, addr transport.Address, opts Options) (*Conn, error) {
	proposed := protocol.CurrentVersion
	c, err := dialVersion(ctx, addr, opts, proposed)

	var mismatch *versionMismatchError
	if errors.As(err, &mismatch) && mismatch.server != proposed && mismatch.server.IsSupported() {
		opts.Logger.Info("retrying handshake with server protocol version",
			"addr", addr.String(), "version", mismatch.server.String())
		return dialVersion(ctx, addr, opts, mismatch.server)
	}
	return c, err
}

func dialVersion(ctx context.Context, addr transport.Address, opts Options, v protocol.Version) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	d := transport.Dialer{TLS: opts.TLS, DialFunc: opts.DialFunc}
	nc, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, dialError(ctx, "dial", addr, err)
	}

	c := newConn(addr, nc, opts)
	c.state.Store(int32(StateHandshaking))
	if err := c.handshake(ctx, v); err != nil {
		c.state.Store(int32(StateClosed))
		_ = nc.Close()
		return nil, err
	}
	c.start()

	c.logger.Debug("connected", "node", c.node.NodeName, "cluster", c.node.ClusterName, "protocol", c.node.ProtocolVersion)
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, v protocol.Version) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	}
	// Unblock reads and writes if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.nc.SetDeadline(time.Now()) })

	resp, err := c.exchangeHandshake(ctx, v)
	if !stop() && err == nil {
		err = dialError(ctx, "handshake", c.addr, ctx.Err())
	}
	if err != nil {
		return err
	}
	if err := c.nc.SetDeadline(time.Time{}); err != nil {
		return &ConnectionError{Addr: c.addr.String(), Err: err}
	}

	if resp.Err != nil {
		switch resp.Err.Code {
		case protocol.CodeAuthFailed:
			return &AuthError{Addr: c.addr.String(), Message: resp.Err.Message}
		case protocol.CodeVersionMismatch:
			return &ConnectionError{Addr: c.addr.String(), Err: &versionMismatchError{
				proposed: v,
				server:   resp.Version,
				message:  resp.Err.Message,
			}}
		}
		return &ConnectionError{Addr: c.addr.String(), Err: queryError(resp.Err)}
	}
	if resp.Version != v {
		return &ConnectionError{Addr: c.addr.String(), Err: fmt.Errorf("%w: server answered protocol %s to %s", protocol.ErrProtocol, resp.Version, v)}
	}

	c.version = v
	c.node = NodeInfo{
		NodeID:          resp.NodeID,
		NodeName:        resp.NodeName,
		ClusterID:       resp.ClusterID,
		ClusterName:     resp.ClusterName,
		ProtocolVersion: v.String(),
		IdleTimeout:     resp.IdleTimeout,
	}
	return nil
}

func (c *Conn) exchangeHandshake(ctx context.Context, v protocol.Version) (*protocol.HandshakeResponse, error) {
	req := &protocol.HandshakeRequest{Version: v, ClientCode: protocol.ClientCode}
	if c.opts.Credentials != nil {
		ext, err := c.opts.Credentials.HandshakeExtensions()
		if err != nil {
			return nil, &AuthError{Addr: c.addr.String(), Message: err.Error()}
		}
		req.Extensions = ext
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}

	if err := protocol.WriteMagic(c.bw); err != nil {
		return nil, dialError(ctx, "handshake", c.addr, err)
	}
	if err := protocol.WriteFrame(c.bw, payload); err != nil {
		return nil, dialError(ctx, "handshake", c.addr, err)
	}
	if err := c.bw.Flush(); err != nil {
		return nil, dialError(ctx, "handshake", c.addr, err)
	}

	if err := c.fr.ReadMagic(); err != nil {
		return nil, dialError(ctx, "handshake", c.addr, err)
	}
	frame, err := c.fr.ReadFrame()
	if err != nil {
		return nil, dialError(ctx, "handshake", c.addr, err)
	}
	resp, err := protocol.DecodeHandshakeResponse(frame)
	if err != nil {
		return nil, &ConnectionError{Addr: c.addr.String(), Err: err}
	}
	return resp, nil
}

// dialError classifies a failure while connecting: deadline expiry becomes
// a *TimeoutError, anything else a *ConnectionError.
func dialError(ctx context.Context, op string, addr transport.Address, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &TimeoutError{Op: op + " " + addr.String(), Err: ctxErr}
		}
		return &ConnectionError{Addr: addr.String(), Err: ctxErr}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op + " " + addr.String(), Err: err}
	}
	return &ConnectionError{Addr: addr.String(), Err: err}
}
