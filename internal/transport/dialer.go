// Package transport opens byte streams to cluster nodes over TCP, TLS or a
// WebSocket binary channel.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a full-duplex byte stream to one node.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// DialFunc opens a raw network connection, like net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer opens Conns for Addresses.
type Dialer struct {
	// TLS enables TLS on tcp addresses and configures wss addresses.
	TLS *tls.Config
	// DialFunc overrides the network dial; nil uses a net.Dialer.
	DialFunc DialFunc
	// Header is sent with WebSocket upgrade requests.
	Header map[string][]string
}

// Dial connects to addr. The ctx bounds only connection establishment.
func (d *Dialer) Dial(ctx context.Context, addr Address) (Conn, error) {
	switch addr.Scheme {
	case "", SchemeTCP:
		return d.dialTCP(ctx, addr)
	case SchemeWS, SchemeWSS:
		return d.dialWebSocket(ctx, addr)
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, addr.Scheme)
}

func (d *Dialer) netDial() DialFunc {
	if d.DialFunc != nil {
		return d.DialFunc
	}
	var nd net.Dialer
	return nd.DialContext
}

func (d *Dialer) dialTCP(ctx context.Context, addr Address) (Conn, error) {
	nc, err := d.netDial()(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if d.TLS == nil {
		return nc, nil
	}

	cfg := d.TLS.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = addr.Host
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context, addr Address) (Conn, error) {
	wd := websocket.Dialer{
		NetDialContext:  d.netDial(),
		TLSClientConfig: d.TLS,
	}
	ws, _, err := wd.DialContext(ctx, addr.String(), d.Header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}
