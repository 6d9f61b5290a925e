// Package codex supervises the external code-generation CLI. The child
// gets the prompt once on stdin, a heartbeat is logged while it runs,
// and a wall-clock deadline kills it with partial output preserved.
package codex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/config"
)

const heartbeatInterval = 20 * time.Second

// Request describes one generator invocation.
type Request struct {
	IssueID int64
	Prompt  string
	Workdir string
	Timeout time.Duration
}

// Result is a completed (non-timed-out) invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Generator runs the code-generation tool in a workspace. *CLI
// implements it; tests substitute fakes.
type Generator interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// TimeoutError reports a generator killed at its deadline. Stdout and
// Stderr hold whatever the child produced before the kill.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Codex timed out after %ds", int(e.Timeout.Seconds()))
}

// CLI drives the configured codex command.
type CLI struct {
	cfg config.CodexConfig
	log zerolog.Logger
}

// NewCLI returns a Generator backed by the configured command line.
func NewCLI(cfg config.CodexConfig, log zerolog.Logger) *CLI {
	return &CLI{cfg: cfg, log: log}
}

// Command returns the argv the CLI will execute, without the prompt.
func (c *CLI) Command() []string {
	argv := []string{c.cfg.Command}
	if c.cfg.Mode != "" {
		argv = append(argv, c.cfg.Mode)
	}
	argv = append(argv, c.cfg.Args...)
	if c.cfg.Model != "" {
		argv = append(argv, "--model", c.cfg.Model)
	}
	if c.cfg.AllowedTools != "" {
		argv = append(argv, "--allowed-tools", c.cfg.AllowedTools)
	}
	if c.cfg.CostGuard != "" {
		argv = append(argv, "--cost-guard", c.cfg.CostGuard)
	}
	return argv
}

// lockedBuffer lets the child's output goroutines and the timeout path
// read partial output without racing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run starts the child in req.Workdir, writes the prompt to its stdin
// and closes it, then waits with a heartbeat until completion, the
// deadline, or context cancellation.
func (c *CLI) Run(ctx context.Context, req Request) (*Result, error) {
	argv := c.Command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Workdir

	var stdout, stderr lockedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open codex stdin: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start codex: %w", err)
	}

	go func() {
		io.WriteString(stdin, req.Prompt)
		stdin.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()

	for {
		select {
		case err := <-done:
			elapsed := time.Since(started)
			code := 0
			if err != nil {
				exitErr, ok := err.(*exec.ExitError)
				if !ok {
					return nil, fmt.Errorf("codex wait failed: %w", err)
				}
				code = exitErr.ExitCode()
			}
			return &Result{
				ExitCode: code,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Elapsed:  elapsed,
			}, nil

		case <-heartbeat.C:
			c.log.Info().
				Int64("issue", req.IssueID).
				Int("elapsed_seconds", int(time.Since(started).Seconds())).
				Msg("codex still running")

		case <-deadline.C:
			cmd.Process.Kill()
			<-done
			return nil, &TimeoutError{
				Timeout: req.Timeout,
				Stdout:  stdout.String(),
				Stderr:  stderr.String(),
			}

		case <-ctx.Done():
			cmd.Process.Kill()
			<-done
			return nil, ctx.Err()
		}
	}
}
