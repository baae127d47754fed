// Command gridsql-devnode runs a single in-memory node for local
// development. It speaks the client protocol over TCP and WebSocket but
// keeps no data across restarts.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridsql/internal/config"
	"gridsql/internal/gridtest"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(os.Getenv("GRIDSQL_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	listen := os.Getenv("DEVNODE_LISTEN")
	if listen == "" {
		listen = "127.0.0.1:10800"
	}
	opts := []gridtest.Option{
		gridtest.WithListenAddr(listen),
		gridtest.WithNodeName("devnode"),
		gridtest.WithLogger(logger),
	}
	if user := os.Getenv("DEVNODE_USER"); user != "" {
		opts = append(opts, gridtest.WithUser(user, os.Getenv("DEVNODE_PASSWORD")))
	}
	if key := os.Getenv("DEVNODE_JWT_KEY"); key != "" {
		opts = append(opts, gridtest.WithJWTKey([]byte(key)))
	}
	if idle := os.Getenv("DEVNODE_IDLE_TIMEOUT"); idle != "" {
		d, err := time.ParseDuration(idle)
		if err != nil {
			slog.Error("invalid DEVNODE_IDLE_TIMEOUT", "error", err)
			os.Exit(1)
		}
		opts = append(opts, gridtest.WithIdleTimeout(d))
	}

	srv, err := gridtest.NewServer(opts...)
	if err != nil {
		slog.Error("failed to start node", "listen", listen, "error", err)
		os.Exit(1)
	}
	slog.Info("devnode listening", "tcp", srv.Addr(), "websocket", srv.WebSocketAddr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("devnode shutting down", "connections", srv.Connections())
	srv.Close()
}
