// Package client runs benchmark client programs against a live server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benchrun/benchrun/internal/logging"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultOutputTailBytes caps the captured output tail kept per client.
	DefaultOutputTailBytes = 64 * 1024
	// DefaultKillDelay is the wait between SIGTERM on cancellation and SIGKILL.
	DefaultKillDelay = 5 * time.Second
	// DefaultDrainDelay bounds how long output is still read after the client
	// exits. Background processes that inherited its stdout or stderr are cut
	// off after this delay.
	DefaultDrainDelay = 500 * time.Millisecond
	// LaunchFailureExitCode is the exit code recorded for a client that could not be executed.
	LaunchFailureExitCode = 127
)

// ErrLaunch matches every LaunchError via errors.Is.
var ErrLaunch = errors.New("client launch failed")

// LaunchError reports that a client program could not be executed at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch client %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrLaunch.
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

// Spec is one client program and the extra arguments passed after host and port.
type Spec struct {
	Name string
	Path string
	Args []string
}

// Label returns Name, or the program's base name when Name is empty.
func (s Spec) Label() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return filepath.Base(strings.TrimSpace(s.Path))
}

// WithArgs returns a copy of s with extra appended to its arguments.
func (s Spec) WithArgs(extra ...string) Spec {
	args := make([]string, 0, len(s.Args)+len(extra))
	args = append(args, s.Args...)
	args = append(args, extra...)
	return Spec{Name: s.Name, Path: s.Path, Args: args}
}

// CommandLine returns the argv used to run s against host:port.
func (s Spec) CommandLine(host string, port int) []string {
	argv := make([]string, 0, len(s.Args)+3)
	argv = append(argv, s.Path, host, strconv.Itoa(port))
	return append(argv, s.Args...)
}

// Result is the outcome of one client run.
type Result struct {
	Spec      Spec
	ExitCode  int
	Output    string
	StartedAt time.Time
	Duration  time.Duration
}

// Success reports whether the client exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Options configures an Invoker.
type Options struct {
	Stdout          io.Writer
	Stderr          io.Writer
	Logger          *log.Logger
	OutputTailBytes int
	KillDelay       time.Duration
	DrainDelay      time.Duration
}

// Invoker launches client programs and streams their output live.
type Invoker struct {
	stdout    io.Writer
	stderr    io.Writer
	logger    *log.Logger
	tailBytes  int
	killDelay  time.Duration
	drainDelay time.Duration
	now        func() time.Time
}

// NewInvoker creates an invoker writing client output to the configured
// writers (os.Stdout and os.Stderr when omitted).
func NewInvoker(opts Options) *Invoker {
	var outMu sync.Mutex

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	tailBytes := opts.OutputTailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultOutputTailBytes
	}
	killDelay := opts.KillDelay
	if killDelay <= 0 {
		killDelay = DefaultKillDelay
	}
	drainDelay := opts.DrainDelay
	if drainDelay <= 0 {
		drainDelay = DefaultDrainDelay
	}

	return &Invoker{
		stdout:     guardedWriter{mu: &outMu, w: stdout},
		stderr:     guardedWriter{mu: &outMu, w: stderr},
		logger:     logging.OrDiscard(opts.Logger),
		tailBytes:  tailBytes,
		killDelay:  killDelay,
		drainDelay: drainDelay,
		now:        time.Now,
	}
}

// Invoke runs spec as `path host port args...` and blocks until it exits.
// Output is drained for at most the drain delay after exit. A program that
// cannot be started yields a *LaunchError together with a result carrying
// LaunchFailureExitCode. A non-zero exit is not an error.
func (i *Invoker) Invoke(ctx context.Context, spec Spec, host string, port int) (Result, error) {
	if i == nil {
		return Result{}, errors.New("invoker is nil")
	}
	result := Result{Spec: spec, ExitCode: LaunchFailureExitCode, StartedAt: i.now()}
	logger := i.logger.With("client", spec.Label(), "path", spec.Path)

	if strings.TrimSpace(spec.Path) == "" {
		return result, &LaunchError{Path: spec.Path, Err: errors.New("client path is empty")}
	}

	argv := spec.CommandLine(host, port)
	// #nosec G204 -- client programs are supplied by the operator on purpose.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = i.killDelay

	// The read ends stay ours so the process is reaped without waiting for
	// every holder of the write ends to exit.
	pipes, err := newOutputPipes()
	if err != nil {
		return result, &LaunchError{Path: spec.Path, Err: err}
	}
	defer pipes.closeRead()
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW

	tail := newTailBuffer(i.tailBytes)
	err = cmd.Start()
	pipes.closeWrite()
	if err != nil {
		logger.Error("client launch failed", "err", err)
		return result, &LaunchError{Path: spec.Path, Err: err}
	}
	logger.Info("client started", "pid", cmd.Process.Pid, "command", logging.FormatCommand(argv))

	var drainers errgroup.Group
	drainers.Go(func() error {
		return drain(pipes.stdoutR, i.stdout, tail)
	})
	drainers.Go(func() error {
		return drain(pipes.stderrR, i.stderr, tail)
	})
	drained := make(chan error, 1)
	go func() {
		drained <- drainers.Wait()
	}()

	waitErr := cmd.Wait()

	var drainErr error
	timer := time.NewTimer(i.drainDelay)
	select {
	case drainErr = <-drained:
	case <-timer.C:
		logger.Warn("client output still open after exit", "drain_delay", i.drainDelay.String())
		pipes.closeRead()
		drainErr = <-drained
	}
	timer.Stop()

	result.Duration = i.now().Sub(result.StartedAt)
	result.Output = tail.String()
	if drainErr != nil {
		logger.Warn("client output drain failed", "err", drainErr)
	}

	if cmd.ProcessState == nil {
		return result, fmt.Errorf("wait for client %q: %w", spec.Label(), waitErr)
	}
	result.ExitCode = exitCode(cmd.ProcessState)

	logger.Info("client exited", "exit_code", result.ExitCode, "duration", result.Duration.String())
	return result, nil
}

// outputPipes are the stdout and stderr pipes handed to a child process.
type outputPipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
	closeOnce        sync.Once
}

func newOutputPipes() (*outputPipes, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	return &outputPipes{stdoutR: stdoutR, stdoutW: stdoutW, stderrR: stderrR, stderrW: stderrW}, nil
}

// closeWrite drops the parent's copies of the write ends once the child holds them.
func (p *outputPipes) closeWrite() {
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

// closeRead unblocks any reader still waiting on the pipes.
func (p *outputPipes) closeRead() {
	p.closeOnce.Do(func() {
		_ = p.stdoutR.Close()
		_ = p.stderrR.Close()
	})
}

func drain(src io.Reader, dst io.Writer, tail io.Writer) error {
	if _, err := io.Copy(io.MultiWriter(dst, tail), src); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// exitCode maps a finished process to a shell-style exit code, reporting
// death by signal as 128+signal.
func exitCode(state *os.ProcessState) int {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	code := state.ExitCode()
	if code < 0 {
		return 1
	}
	return code
}

func signalGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-pid, signal)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
