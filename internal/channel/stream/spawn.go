package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// killGrace is how long Close waits for the worker to exit on its own after
// stdin is closed.
const killGrace = 5 * time.Second

// Spawn starts name as a worker subprocess and returns a channel over its
// stdin and stdout. The worker's stderr is inherited. The process exiting,
// for any reason, faults the channel.
func Spawn(ctx context.Context, name string, args ...string) (*Channel, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW} {
			f.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	// The child holds its own copies.
	stdinR.Close()
	stdoutW.Close()

	p := &process{cmd: cmd, stdin: stdinW, stdout: stdoutR, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
		slog.Info("worker process exited", "pid", cmd.Process.Pid, "error", p.waitErr)
	}()

	slog.Info("worker process started", "pid", cmd.Process.Pid, "path", cmd.Path)
	return New(p), nil
}

// process adapts a running worker to io.ReadWriteCloser.
type process struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	exited  chan struct{}
	waitErr error
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin, which ends the worker's Serve loop, and kills the
// process if it has not exited within killGrace.
func (p *process) Close() error {
	errIn := p.stdin.Close()

	select {
	case <-p.exited:
	case <-time.After(killGrace):
		slog.Warn("worker process did not exit, killing", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Error("kill worker process", "pid", p.cmd.Process.Pid, "error", err)
		}
		<-p.exited
	}

	return errors.Join(errIn, p.stdout.Close())
}
