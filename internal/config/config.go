package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds connector and export settings loaded from the environment or
// a TOML file.
type Config struct {
	Client ClientConfig `toml:"client"`
	TLS    TLSConfig    `toml:"tls"`
	Export ExportConfig `toml:"export"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `toml:"log_level"`
}

// ClientConfig configures connections to the cluster.
type ClientConfig struct {
	// Addresses are tried in order until one accepts the handshake.
	Addresses []string `toml:"addresses"`
	Schema    string   `toml:"schema"`
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	// TokenKey enables JWT authentication when set; TokenSubject is the
	// identity it is issued for.
	TokenKey          string        `toml:"token_key"`
	TokenSubject      string        `toml:"token_subject"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	PageSize          int           `toml:"page_size"`
	MaxInFlight       int64         `toml:"max_in_flight"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	SkipVerify bool   `toml:"skip_verify"`
}

// ExportConfig configures the background export pool.
type ExportConfig struct {
	// StorageType is "local" or "s3".
	StorageType      string `toml:"storage_type"`
	LocalStoragePath string `toml:"local_storage_path"`
	AWSRegion        string `toml:"aws_region"`
	S3Bucket         string `toml:"s3_bucket"`
	// S3Endpoint is set for S3-compatible providers such as MinIO.
	S3Endpoint  string `toml:"s3_endpoint"`
	S3PathStyle bool   `toml:"s3_path_style"`
	WorkerCount int    `toml:"worker_count"`
	// MaxDBConcurrency bounds exports reading from the cluster at once.
	MaxDBConcurrency int64         `toml:"max_db_concurrency"`
	DefaultTimeout   time.Duration `toml:"default_timeout"`
	// Compression is "none", "gzip" or "snappy".
	Compression string `toml:"compression"`
}

// Default returns the settings used for anything not configured.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Addresses:         []string{"127.0.0.1:10800"},
			Schema:            "PUBLIC",
			ConnectTimeout:    10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			PageSize:          1024,
			MaxInFlight:       1024,
		},
		Export: ExportConfig{
			StorageType:      "local",
			LocalStoragePath: "./exports",
			AWSRegion:        "us-east-1",
			WorkerCount:      5,
			MaxDBConcurrency: 3,
			DefaultTimeout:   15 * time.Minute,
			Compression:      "none",
		},
		LogLevel: "info",
	}
}

// Load reads GRIDSQL_* variables from the process environment after loading
// a .env file from the working directory, if there is one.
func Load() *Config {
	_ = godotenv.Load()
	return fromEnv(os.LookupEnv)
}

// LoadDotenv reads GRIDSQL_* variables from the process environment and the
// given .env file. Process variables win.
func LoadDotenv(path string) (*Config, error) {
	file, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return fromEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}), nil
}

// FromFile decodes a TOML file over the defaults.
func FromFile(path string) (*Config, error) {
	conf := Default()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if len(c.Client.Addresses) == 0 {
		return fmt.Errorf("config: at least one address is required")
	}
	if c.Client.PageSize < 0 {
		return fmt.Errorf("config: page_size must not be negative, got %d", c.Client.PageSize)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls cert_file and key_file must be set together")
	}
	switch c.Export.StorageType {
	case "local", "s3":
	default:
		return fmt.Errorf("config: unknown storage_type %q", c.Export.StorageType)
	}
	switch c.Export.Compression {
	case "", "none", "gzip", "snappy":
	default:
		return fmt.Errorf("config: unknown compression %q", c.Export.Compression)
	}
	return nil
}

// Logger returns a JSON logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type env func(key string) (string, bool)

func fromEnv(lookup env) *Config {
	d := Default()
	return &Config{
		Client: ClientConfig{
			Addresses:         lookup.getEnvSlice("GRIDSQL_ADDRESSES", d.Client.Addresses),
			Schema:            lookup.getEnv("GRIDSQL_SCHEMA", d.Client.Schema),
			Username:          lookup.getEnv("GRIDSQL_USERNAME", ""),
			Password:          lookup.getEnv("GRIDSQL_PASSWORD", ""),
			TokenKey:          lookup.getEnv("GRIDSQL_TOKEN_KEY", ""),
			TokenSubject:      lookup.getEnv("GRIDSQL_TOKEN_SUBJECT", ""),
			ConnectTimeout:    lookup.getEnvDuration("GRIDSQL_CONNECT_TIMEOUT", d.Client.ConnectTimeout),
			RequestTimeout:    lookup.getEnvDuration("GRIDSQL_REQUEST_TIMEOUT", d.Client.RequestTimeout),
			HeartbeatInterval: lookup.getEnvDuration("GRIDSQL_HEARTBEAT_INTERVAL", d.Client.HeartbeatInterval),
			PageSize:          lookup.getEnvInt("GRIDSQL_PAGE_SIZE", d.Client.PageSize),
			MaxInFlight:       int64(lookup.getEnvInt("GRIDSQL_MAX_IN_FLIGHT", int(d.Client.MaxInFlight))),
		},
		TLS: TLSConfig{
			Enabled:    lookup.getEnvBool("GRIDSQL_TLS", false),
			CAFile:     lookup.getEnv("GRIDSQL_TLS_CA_FILE", ""),
			CertFile:   lookup.getEnv("GRIDSQL_TLS_CERT_FILE", ""),
			KeyFile:    lookup.getEnv("GRIDSQL_TLS_KEY_FILE", ""),
			SkipVerify: lookup.getEnvBool("GRIDSQL_TLS_SKIP_VERIFY", false),
		},
		Export: ExportConfig{
			StorageType:      lookup.getEnv("GRIDSQL_STORAGE_TYPE", d.Export.StorageType),
			LocalStoragePath: lookup.getEnv("GRIDSQL_LOCAL_STORAGE_PATH", d.Export.LocalStoragePath),
			AWSRegion:        lookup.getEnv("AWS_REGION", d.Export.AWSRegion),
			S3Bucket:         lookup.getEnv("GRIDSQL_S3_BUCKET", ""),
			S3Endpoint:       lookup.getEnv("GRIDSQL_S3_ENDPOINT", ""),
			S3PathStyle:      lookup.getEnvBool("GRIDSQL_S3_PATH_STYLE", false),
			WorkerCount:      lookup.getEnvInt("GRIDSQL_WORKER_COUNT", d.Export.WorkerCount),
			MaxDBConcurrency: int64(lookup.getEnvInt("GRIDSQL_MAX_DB_CONCURRENCY", int(d.Export.MaxDBConcurrency))),
			DefaultTimeout:   lookup.getEnvDuration("GRIDSQL_EXPORT_TIMEOUT", d.Export.DefaultTimeout),
			Compression:      lookup.getEnv("GRIDSQL_EXPORT_COMPRESSION", d.Export.Compression),
		},
		LogLevel: lookup.getEnv("GRIDSQL_LOG_LEVEL", d.LogLevel),
	}
}

func (lookup env) getEnv(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

func (lookup env) getEnvSlice(key string, fallback []string) []string {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func (lookup env) getEnvInt(key string, fallback int) int {
	if value, ok := lookup(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func (lookup env) getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (lookup env) getEnvBool(key string, fallback bool) bool {
	if value, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
