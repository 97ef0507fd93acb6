package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/loqalabs/loqa-lecture/internal/replication"
	"github.com/loqalabs/loqa-lecture/internal/session"
)

var version = "0.1.0-dev"

// ctlConfig is read from the environment so the tool can be pointed at a
// lecture without a config file.
type ctlConfig struct {
	Servers []string      `env:"LECTURECTL_SERVERS" envDefault:"nats://localhost:4222" envSeparator:","`
	Session string        `env:"LECTURECTL_SESSION" envDefault:"lecture"`
	Token   string        `env:"LECTURECTL_TOKEN"`
	Timeout time.Duration `env:"LECTURECTL_TIMEOUT" envDefault:"3s"`
}

func loadConfig() (ctlConfig, error) {
	var cfg ctlConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Session == "" {
		return cfg, errors.New("LECTURECTL_SESSION must not be empty")
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("LECTURECTL_TIMEOUT must be positive")
	}
	return cfg, nil
}

func main() {
	var deckPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&deckPath, "file", "deck.yaml", "Path to slide deck")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'next', 'previous', 'status', 'finish' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		n, err := runValidate(deckPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("deck valid (%d slides)\n", n)
	case "next", "previous", "status", "finish":
		if err := runRemote(os.Args[1], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) (int, error) {
	d, err := deck.Load(path)
	if err != nil {
		return 0, err
	}
	if err := deck.Validate(d); err != nil {
		return 0, err
	}
	return d.Len(), nil
}

func runRemote(command string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busClient, err := bus.Connect(ctx, config.BusConfig{
		Servers:        cfg.Servers,
		Token:          cfg.Token,
		ConnectTimeout: int(cfg.Timeout / time.Millisecond),
	}, "lecturectl", logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	return execute(ctx, replication.NewClient(busClient, cfg.Session), cfg.Session, command, out)
}

func execute(ctx context.Context, link session.AuthorityLink, sessionID, command string, out io.Writer) error {
	from := "lecturectl-" + uuid.NewString()
	switch command {
	case "next", "previous":
		dir, err := protocol.ParseDirection(command)
		if err != nil {
			return err
		}
		reply, err := link.Advance(ctx, protocol.AdvanceRequest{SessionID: sessionID, From: from, RequestID: uuid.NewString(), Direction: dir})
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrAuthorityUnreachable, err)
		}
		if reply.Code != protocol.CodeOK {
			return session.ErrorFromCode(reply.Code, reply.Error)
		}
		return printJSON(out, reply)
	case "status":
		// An empty From keeps status probes out of the attendance list.
		snap, err := link.Snapshot(ctx, protocol.SnapshotRequest{SessionID: sessionID})
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrAuthorityUnreachable, err)
		}
		if snap.Code != protocol.CodeOK {
			return session.ErrorFromCode(snap.Code, snap.Error)
		}
		return printJSON(out, snap)
	case "finish":
		reply, err := link.Finish(ctx, protocol.FinishRequest{SessionID: sessionID, From: from})
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrAuthorityUnreachable, err)
		}
		if reply.Code != protocol.CodeOK {
			return session.ErrorFromCode(reply.Code, reply.Error)
		}
		return printJSON(out, reply)
	}
	return fmt.Errorf("unknown command %q", command)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
