package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs an in-process NATS server so a single authority node
// can host a lecture without external infrastructure.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when embedded mode is disabled.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	return start(&server.Options{
		Host:   "0.0.0.0",
		Port:   cfg.Port,
		NoSigs: true,
	}, log)
}

// StartLocal starts a loopback server on a random port.
func StartLocal(log *slog.Logger) (*EmbeddedServer, error) {
	return start(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}, log)
}

func start(opts *server.Options, log *slog.Logger) (*EmbeddedServer, error) {
	log = log.With(slog.String("component", "natsserver"))
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
