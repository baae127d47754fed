package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"gridsql/internal/config"
)

const (
	DefaultSchema            = "PUBLIC"
	DefaultPageSize          = 1024
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxInFlight       = 1024

	// releaseTimeout bounds best-effort cursor releases that run without a
	// caller context.
	releaseTimeout = 5 * time.Second
)

// Options configures Dial and Connect. The zero value connects to nothing;
// unset fields take the Default* values.
type Options struct {
	// Addresses are tried in order by Connect. Entries are "host[:port]" or
	// "tcp://", "ws://" and "wss://" URLs.
	Addresses []string
	// Schema is the default schema for statements.
	Schema      string
	Credentials Credentials

	// ConnectTimeout bounds dial plus handshake for one address.
	ConnectTimeout time.Duration
	// RequestTimeout applies to requests whose context has no deadline.
	// Zero waits indefinitely.
	RequestTimeout time.Duration
	// HeartbeatInterval caps the heartbeat period; the server idle timeout
	// may shorten it. Negative disables heartbeats.
	HeartbeatInterval time.Duration

	PageSize    int
	MaxInFlight int64

	TLS    *tls.Config
	Logger *slog.Logger
	// DialFunc replaces the network dial, for proxies and tests.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// OptionsFromConfig converts loaded configuration into Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	c := cfg.Client
	opts := Options{
		Addresses:         c.Addresses,
		Schema:            c.Schema,
		ConnectTimeout:    c.ConnectTimeout,
		RequestTimeout:    c.RequestTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		PageSize:          c.PageSize,
		MaxInFlight:       c.MaxInFlight,
	}

	switch {
	case c.TokenKey != "":
		opts.Credentials = &TokenAuth{Subject: c.TokenSubject, Key: []byte(c.TokenKey)}
	case c.Username != "":
		opts.Credentials = &BasicAuth{Username: c.Username, Password: c.Password}
	}

	if cfg.TLS.Enabled {
		tlsConf, err := buildTLS(cfg.TLS)
		if err != nil {
			return Options{}, err
		}
		opts.TLS = tlsConf
	}
	return opts, nil
}

// OptionsFromEnv reads GRIDSQL_* environment variables, including those in
// a .env file in the working directory.
func OptionsFromEnv() (Options, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	return OptionsFromConfig(cfg)
}

// OptionsFromFile reads a TOML configuration file.
func OptionsFromFile(path string) (Options, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return Options{}, err
	}
	return OptionsFromConfig(cfg)
}

func buildTLS(c config.TLSConfig) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.SkipVerify,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca file %s has no certificates", c.CAFile)
		}
		conf.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}
