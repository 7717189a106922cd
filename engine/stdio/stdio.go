// Package stdio provides an Engine that fronts a stdio MCP server: each
// session spawns one subprocess and bridges the session's message queue to
// the child's stdin/stdout using newline-delimited JSON framing.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/localrivet/sserelay/engine"
)

// maxLineSize caps a single JSON-RPC message read from the child's stdout.
const maxLineSize = 10 << 20

// Engine runs one subprocess per session.
type Engine struct {
	path string
	args []string
	log  *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New resolves the engine command up front so a missing dependency fails
// the process before any port is bound.
func New(command string, args []string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("engine command %q not available: %w", command, err)
	}
	return &Engine{path: path, args: args, log: logger}, nil
}

// Run spawns the subprocess and pumps messages both ways until the inbound
// side closes, the child exits, or ctx is cancelled. Cancellation kills the
// child.
func (e *Engine) Run(ctx context.Context, in engine.Receiver, out engine.Sender) error {
	cmd := exec.CommandContext(ctx, e.path, e.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine process: %w", err)
	}
	e.log.Debug("engine process started", "path", e.path, "pid", cmd.Process.Pid)

	// Pump inbound payloads to the child's stdin, one JSON object per
	// line. Closing stdin on queue closure tells a well-behaved MCP server
	// the session is over.
	go func() {
		defer stdin.Close()
		for {
			payload, err := in.Receive(ctx)
			if err != nil {
				return
			}
			line := append(bytes.TrimRight(payload, "\n"), '\n')
			if _, err := stdin.Write(line); err != nil {
				e.log.Warn("write to engine stdin failed", "error", err)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Anything that isn't JSON on stdout is stray output, not a
		// protocol message.
		if !json.Valid(line) {
			e.log.Warn("dropping non-JSON engine output", "line", string(line))
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		if err := out.Send(payload); err != nil {
			break
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("read engine output: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("engine process exited: %w", waitErr)
	}
	return nil
}
