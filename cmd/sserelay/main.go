// Command sserelay exposes a stdio MCP server over HTTP with the SSE
// transport.
//
// Usage:
//
//	sserelay [--host 0.0.0.0] [--port 8000] [--session-timeout 10] -- <engine-command> [args...]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/urfave/cli/v3"

	"github.com/localrivet/sserelay"
	"github.com/localrivet/sserelay/engine/stdio"
	"github.com/localrivet/sserelay/logx"
	"github.com/localrivet/sserelay/telemetry"
	"github.com/localrivet/sserelay/transport/sse"
)

// envConfig holds the process-wide environment knobs. These apply before
// anything else initializes.
type envConfig struct {
	LogLevel     string `env:"SSERELAY_LOG_LEVEL,default=info"`
	TelemetryURL string `env:"SSERELAY_TELEMETRY_URL"`
}

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sserelay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}

	cmd := &cli.Command{
		Name:      "sserelay",
		Usage:     "expose a stdio MCP server over HTTP with SSE transport",
		Version:   sserelay.Version,
		ArgsUsage: "<engine-command> [engine-args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "0.0.0.0",
				Usage: "Host to bind to",
			},
			&cli.IntFlag{
				Name:  "port",
				Value: 8000,
				Usage: "Port to listen on",
			},
			&cli.IntFlag{
				Name:  "session-timeout",
				Value: 10,
				Usage: "Idle session timeout in minutes (0 disables)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: env.LogLevel,
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cmd, env)
		},
	}
	return cmd.Run(ctx, args)
}

func serve(ctx context.Context, cmd *cli.Command, env envConfig) error {
	log := logx.New(logx.ParseLevel(cmd.String("log-level")))
	slog.SetDefault(log)

	engineArgs := cmd.Args().Slice()
	if len(engineArgs) == 0 {
		return errors.New("engine command required, e.g.: sserelay -- npx @playwright/mcp")
	}

	// Resolve the engine command before binding any port; a missing
	// dependency must fail fast with a non-zero exit.
	eng, err := stdio.New(engineArgs[0], engineArgs[1:], log.With("component", "engine"))
	if err != nil {
		return err
	}

	srv := sse.NewServer(eng, sse.Options{
		Logger:      log,
		IdleTimeout: time.Duration(cmd.Int("session-timeout")) * time.Minute,
	})
	defer srv.Shutdown()

	addr := net.JoinHostPort(cmd.String("host"), strconv.Itoa(int(cmd.Int("port"))))
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	reporter := telemetry.NewReporter(env.TelemetryURL, log)
	started := time.Now()
	reporter.Capture(telemetry.Event{
		Action:  "start",
		Server:  sserelay.ServerName,
		Version: sserelay.Version,
	})
	defer func() {
		reporter.Capture(telemetry.Event{
			Action:          "stop",
			Server:          sserelay.ServerName,
			Version:         sserelay.Version,
			DurationSeconds: time.Since(started).Seconds(),
		})
		reporter.Flush()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			return
		}
		listenErr <- nil
	}()

	log.Info("sserelay listening",
		"addr", addr,
		"sse", fmt.Sprintf("http://%s/sse", addr),
		"messages", fmt.Sprintf("http://%s/messages", addr),
		"health", fmt.Sprintf("http://%s/health", addr),
		"engine", engineArgs[0])

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		// Closing the sessions first ends every engine run and lets the
		// hanging GETs complete, so Shutdown can actually finish.
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return err
		}
		log.Info("shutdown complete")
		return <-listenErr
	case err := <-listenErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
		return err
	}
}
