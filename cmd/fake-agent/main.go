// ABOUTME: Fake agent for E2E testing: registers, heartbeats and answers commands over WebSocket or gRPC
// ABOUTME: Usage: fake-agent [-transport ws|grpc] [-addr localhost:8080] [-id web-01] [-secret S]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

type options struct {
	transport      string
	addr           string
	id             string
	hostname       string
	secret         string
	interval       time.Duration
	threatInterval time.Duration
	reconnect      bool
}

func main() {
	host, _ := os.Hostname()

	var opts options
	flag.StringVar(&opts.transport, "transport", "ws", "transport: ws or grpc")
	flag.StringVar(&opts.addr, "addr", "localhost:8080", "gateway address (host:port; ws URL path /ws is added)")
	flag.StringVar(&opts.id, "id", "fake-"+host, "agent ID")
	flag.StringVar(&opts.hostname, "hostname", host, "reported hostname")
	flag.StringVar(&opts.secret, "secret", os.Getenv("ARUSHI_AGENT_SECRET"), "agent shared secret")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "heartbeat interval")
	flag.DurationVar(&opts.threatInterval, "threat-interval", 0, "emit a synthetic threat alert this often (0 disables)")
	flag.BoolVar(&opts.reconnect, "reconnect", true, "reconnect with backoff when the connection drops")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", opts.id)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("fake agent stopped", "error", err)
		os.Exit(1)
	}
}

// run keeps a session alive, reconnecting with exponential backoff.
func run(ctx context.Context, opts options, logger *slog.Logger) error {
	if opts.secret == "" {
		return errors.New("agent secret required: -secret or ARUSHI_AGENT_SECRET")
	}

	started := time.Now()
	backoff := time.Second
	for {
		err := session(ctx, opts, started, logger)
		if ctx.Err() != nil {
			return nil
		}
		if !opts.reconnect {
			return err
		}
		logger.Warn("session ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// session runs one connection until it fails or ctx ends.
func session(ctx context.Context, opts options, started time.Time, logger *slog.Logger) error {
	p, err := dialPeer(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.Send(ctx, protocol.MustNew(protocol.EventRegister, protocol.Register{
		ID:       opts.id,
		Hostname: opts.hostname,
		Platform: runtime.GOOS,
	})); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	logger.Info("registered", "transport", opts.transport, "addr", opts.addr)

	stats := newStatsSource(started)
	errCh := make(chan error, 3)

	go func() { errCh <- heartbeatLoop(ctx, p, opts, stats) }()
	if opts.threatInterval > 0 {
		go func() { errCh <- threatLoop(ctx, p, opts.threatInterval) }()
	}
	go func() { errCh <- receiveLoop(ctx, p, logger) }()

	return <-errCh
}

func heartbeatLoop(ctx context.Context, p peer, opts options, stats *statsSource) error {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		s := stats.next()
		hb := map[string]any{"id": opts.id, "cpu": s.CPU, "ram": s.RAM, "disk": s.Disk, "uptime": s.Uptime}
		if err := p.Send(ctx, protocol.MustNew(protocol.EventHeartbeat, hb)); err != nil {
			return fmt.Errorf("sending heartbeat: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func threatLoop(ctx context.Context, p peer, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.Send(ctx, protocol.MustNew(protocol.EventThreatAlert, syntheticThreat())); err != nil {
			return fmt.Errorf("sending threat alert: %w", err)
		}
	}
}

// receiveLoop answers execute_command frames and logs everything else.
func receiveLoop(ctx context.Context, p peer, logger *slog.Logger) error {
	for {
		env, err := p.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}

		switch env.Event {
		case protocol.EventExecuteCommand:
			var cmd protocol.ExecuteCommand
			if err := json.Unmarshal(env.Data, &cmd); err != nil {
				logger.Warn("bad execute_command", "error", err)
				continue
			}
			logger.Info("executing command", "command", cmd.Command, "command_id", cmd.CommandID)

			res := protocol.CommandResult{
				ReplyTo:   cmd.ReplyTo,
				CommandID: cmd.CommandID,
				Result:    execute(cmd.Command),
			}
			if err := p.Send(ctx, protocol.MustNew(protocol.EventCommandResult, res)); err != nil {
				return fmt.Errorf("sending result: %w", err)
			}
		case protocol.EventError:
			var msg protocol.ErrorMessage
			_ = json.Unmarshal(env.Data, &msg)
			logger.Warn("gateway rejected a frame", "message", msg.Message)
		default:
			logger.Debug("ignoring frame", "event", env.Event)
		}
	}
}
