// Package server starts the benchmark server, waits for it to announce its
// address, and tears it down with SIGTERM then SIGKILL escalation.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
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
	// DefaultReadyPattern matches the server's address announcement. The
	// host and port named groups are required.
	DefaultReadyPattern = `server listening on tcp://(?P<host>[^\s:]+):(?P<port>\d+)`
	// DefaultStartupTimeout bounds the wait for the ready line.
	DefaultStartupTimeout = 2 * time.Minute
	// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second
	// DefaultForcedExitWait is the wait after SIGKILL before teardown is declared failed.
	DefaultForcedExitWait = 2 * time.Second
	// DefaultDrainDelay bounds how long output is still read after the server
	// exits while leftover children hold its pipes.
	DefaultDrainDelay = 500 * time.Millisecond

	defaultPollInterval = 50 * time.Millisecond
	maxLineBytes        = 1024 * 1024
)

// Start failure reasons.
const (
	ReasonLaunch     = "launch"
	ReasonExited     = "exited"
	ReasonTimeout    = "timeout"
	ReasonCancelled  = "cancelled"
	ReasonBadAddress = "bad address"
)

var (
	// ErrServerStart matches every ServerStartError via errors.Is.
	ErrServerStart = errors.New("server start failed")
	// ErrTeardown matches every TeardownError via errors.Is.
	ErrTeardown = errors.New("server teardown failed")
)

// ServerStartError reports that the server never became ready.
type ServerStartError struct {
	Reason   string
	ExitCode int
	Err      error
}

func (e *ServerStartError) Error() string {
	msg := "server start failed: " + e.Reason
	if e.Reason == ReasonExited {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServerStartError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrServerStart.
func (e *ServerStartError) Is(target error) bool {
	return target == ErrServerStart
}

// TeardownError reports a server process that could not be confirmed dead.
type TeardownError struct {
	PID int
	Err error
}

func (e *TeardownError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("server pid %d still alive after SIGKILL", e.PID)
	}
	return fmt.Sprintf("tear down server pid %d: %v", e.PID, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrTeardown.
func (e *TeardownError) Is(target error) bool {
	return target == ErrTeardown
}

// Options configures a Manager.
type Options struct {
	ServerPath     string
	ServerArgs     []string
	ReadyPattern   string
	StartupTimeout time.Duration
	GracePeriod    time.Duration
	ForcedExitWait time.Duration
	// Output receives the server's stdout and stderr line by line. Defaults to os.Stderr.
	Output   io.Writer
	Logger   *log.Logger
	Signaler ProcessSignaler
	Checker  ProcessChecker
}

// Manager owns the server process lifecycle.
type Manager struct {
	path           string
	args           []string
	ready          *regexp.Regexp
	hostGroup      int
	portGroup      int
	startupTimeout time.Duration
	gracePeriod    time.Duration
	forcedExitWait time.Duration
	drainDelay     time.Duration
	pollInterval   time.Duration
	output         io.Writer
	logger         *log.Logger
	signaler       ProcessSignaler
	checker        ProcessChecker
	now            func() time.Time
}

// New validates opts and returns a Manager.
func New(opts Options) (*Manager, error) {
	path := strings.TrimSpace(opts.ServerPath)
	if path == "" {
		return nil, errors.New("server path is required")
	}

	pattern := opts.ReadyPattern
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultReadyPattern
	}
	ready, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile ready pattern: %w", err)
	}
	hostGroup := ready.SubexpIndex("host")
	portGroup := ready.SubexpIndex("port")
	if hostGroup < 0 || portGroup < 0 {
		return nil, fmt.Errorf("ready pattern %q must define host and port groups", pattern)
	}

	m := &Manager{
		path:           path,
		args:           append([]string(nil), opts.ServerArgs...),
		ready:          ready,
		hostGroup:      hostGroup,
		portGroup:      portGroup,
		startupTimeout: opts.StartupTimeout,
		gracePeriod:    opts.GracePeriod,
		forcedExitWait: opts.ForcedExitWait,
		drainDelay:     DefaultDrainDelay,
		pollInterval:   defaultPollInterval,
		output:         opts.Output,
		logger:         logging.OrDiscard(opts.Logger).With("component", "server"),
		signaler:       opts.Signaler,
		checker:        opts.Checker,
		now:            time.Now,
	}
	if m.startupTimeout <= 0 {
		m.startupTimeout = DefaultStartupTimeout
	}
	if m.gracePeriod <= 0 {
		m.gracePeriod = DefaultGracePeriod
	}
	if m.forcedExitWait <= 0 {
		m.forcedExitWait = DefaultForcedExitWait
	}
	if m.output == nil {
		m.output = os.Stderr
	}
	if m.signaler == nil {
		m.signaler = defaultProcessSignaler{}
	}
	if m.checker == nil {
		m.checker = defaultProcessChecker{}
	}
	return m, nil
}

type announcement struct {
	host string
	port int
	err  error
}

// Start launches `<server> -nl <localeCount> <args...>` and blocks until the
// server prints its address. On any failure the process group is killed and
// a *ServerStartError is returned.
func (m *Manager) Start(ctx context.Context, localeCount int) (*Handle, error) {
	if m == nil {
		return nil, errors.New("server manager is nil")
	}
	if localeCount < 1 {
		return nil, &ServerStartError{Reason: ReasonLaunch, Err: fmt.Errorf("locale count %d must be positive", localeCount)}
	}

	argv := append([]string{"-nl", strconv.Itoa(localeCount)}, m.args...)
	// The server outlives ctx until Stop; cancellation is handled below.
	// #nosec G204 -- the server binary is operator configured.
	cmd := exec.Command(m.path, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pipes, err := newOutputPipes()
	if err != nil {
		return nil, &ServerStartError{Reason: ReasonLaunch, Err: err}
	}
	cmd.Stdout = pipes.stdoutW
	cmd.Stderr = pipes.stderrW
	err = cmd.Start()
	pipes.closeWrite()
	if err != nil {
		pipes.closeRead()
		m.logger.Error("server launch failed", "path", m.path, "err", err)
		return nil, &ServerStartError{Reason: ReasonLaunch, Err: err}
	}

	handle := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: m.now().UTC(),
		group:     true,
		exited:    make(chan struct{}),
		drained:   make(chan struct{}),
	}
	m.logger.Info("server launched", "pid", handle.PID, "path", m.path, "args", logging.FormatCommand(argv))

	ready := make(chan announcement, 1)
	var announceOnce sync.Once
	announce := func(a announcement) {
		announceOnce.Do(func() { ready <- a })
	}

	var outMu sync.Mutex
	var drainers errgroup.Group
	drainers.Go(func() error { return m.scan(pipes.stdoutR, &outMu, announce) })
	drainers.Go(func() error { return m.scan(pipes.stderrR, &outMu, announce) })
	go func() {
		if err := drainers.Wait(); err != nil {
			m.logger.Warn("server output drain failed", "pid", handle.PID, "err", err)
		}
		close(handle.drained)
	}()

	// Reaping does not wait for the drainers: children of the server may
	// keep its pipes open long after it exits.
	go func() {
		handle.waitErr = cmd.Wait()
		handle.state = cmd.ProcessState
		close(handle.exited)

		timer := time.NewTimer(m.drainDelay)
		defer timer.Stop()
		select {
		case <-handle.drained:
		case <-timer.C:
			m.logger.Warn("server output still open after exit", "pid", handle.PID)
		}
		pipes.closeRead()
	}()

	timer := time.NewTimer(m.startupTimeout)
	defer timer.Stop()

	var startErr *ServerStartError
	select {
	case a := <-ready:
		if a.err == nil {
			handle.Host = a.host
			handle.Port = a.port
			handle.live.Store(true)
			m.logger.Info("server ready", "pid", handle.PID, "address", handle.Address())
			return handle, nil
		}
		startErr = &ServerStartError{Reason: ReasonBadAddress, Err: a.err}
	case <-handle.exited:
		// Let the final output lines reach the writer before reporting.
		<-handle.drained
		startErr = &ServerStartError{Reason: ReasonExited, ExitCode: exitCode(handle.state), Err: handle.waitErr}
	case <-timer.C:
		startErr = &ServerStartError{Reason: ReasonTimeout, Err: fmt.Errorf("no ready line within %s", m.startupTimeout)}
	case <-ctx.Done():
		startErr = &ServerStartError{Reason: ReasonCancelled, Err: ctx.Err()}
	}

	m.logger.Error("server start failed", "pid", handle.PID, "reason", startErr.Reason, "err", startErr.Err)
	m.kill(handle)
	return nil, startErr
}

// Stop terminates the server's process group. It is a no-op for nil or
// already stopped handles. The handle is marked stopped even when the process
// cannot be confirmed dead, in which case a *TeardownError is returned.
func (m *Manager) Stop(ctx context.Context, handle *Handle) error {
	if m == nil {
		return errors.New("server manager is nil")
	}
	if handle == nil || !handle.live.CompareAndSwap(true, false) {
		return nil
	}
	logger := m.logger.With("pid", handle.PID, "address", handle.Address())

	if handle.PID <= 0 {
		return &TeardownError{PID: handle.PID, Err: errors.New("handle has no process id")}
	}

	exited := false
	termErr := m.signaler.Signal(handle.signalTarget(), syscall.SIGTERM)
	if termErr != nil && !isProcessGoneError(termErr) {
		termErr = fmt.Errorf("send SIGTERM: %w", termErr)
		logger.Warn("server SIGTERM failed, escalating to SIGKILL", "err", termErr)
	} else {
		termErr = nil
		logger.Info("server SIGTERM sent", "grace_period", m.gracePeriod.String())
		var err error
		exited, err = m.waitForExit(ctx, handle, m.gracePeriod)
		if err != nil {
			logger.Warn("grace period interrupted", "err", err)
		}
	}
	if !exited {
		if err := m.signaler.Signal(handle.signalTarget(), syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
			return &TeardownError{PID: handle.PID, Err: errors.Join(termErr, fmt.Errorf("send SIGKILL: %w", err))}
		}
		logger.Warn("server SIGKILL sent")
		var err error
		exited, err = m.waitForExit(context.WithoutCancel(ctx), handle, m.forcedExitWait)
		if err != nil {
			return &TeardownError{PID: handle.PID, Err: err}
		}
		if !exited {
			logger.Error("server still alive after SIGKILL")
			return &TeardownError{PID: handle.PID, Err: termErr}
		}
	}

	if handle.drained != nil {
		<-handle.drained
	}
	logger.Info("server stopped")
	return nil
}

// scan echoes each line to the output writer and reports the first ready
// line. After a scan error the rest of the stream is copied verbatim so the
// server never blocks on a full pipe.
func (m *Manager) scan(src io.Reader, outMu *sync.Mutex, announce func(announcement)) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		outMu.Lock()
		_, _ = io.WriteString(m.output, line+"\n")
		outMu.Unlock()

		if match := m.ready.FindStringSubmatch(line); match != nil {
			announce(m.parseAnnouncement(match))
		}
	}
	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return nil
	}
	if _, copyErr := io.Copy(lockedWriter{mu: outMu, w: m.output}, src); copyErr != nil && !errors.Is(copyErr, os.ErrClosed) {
		return errors.Join(err, copyErr)
	}
	return err
}

func (m *Manager) parseAnnouncement(match []string) announcement {
	host := strings.TrimSpace(match[m.hostGroup])
	rawPort := strings.TrimSpace(match[m.portGroup])
	if host == "" {
		return announcement{err: fmt.Errorf("ready line has empty host")}
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return announcement{err: fmt.Errorf("ready line has invalid port %q", rawPort)}
	}
	return announcement{host: host, port: port}
}

// kill force-stops a server that never became ready.
func (m *Manager) kill(handle *Handle) {
	if err := m.signaler.Signal(handle.signalTarget(), syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		m.logger.Warn("kill partially started server", "pid", handle.PID, "err", err)
	}
	if exited, _ := m.waitForExit(context.Background(), handle, m.forcedExitWait); !exited {
		m.logger.Error("partially started server still alive after SIGKILL", "pid", handle.PID)
	}
}

// waitForExit reports whether the process exited within window. Handles
// started by this package wait on the reaper; others poll the checker.
func (m *Manager) waitForExit(ctx context.Context, handle *Handle, window time.Duration) (bool, error) {
	if window <= 0 {
		window = m.pollInterval
	}

	if handle.exited != nil {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-handle.exited:
			return true, nil
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	deadline := m.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := m.checker.Alive(handle.PID)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !m.now().Before(deadline) {
			return false, nil
		}
		time.Sleep(m.pollInterval)
	}
}

// outputPipes are the stdout and stderr pipes handed to the server. The
// read ends stay with the manager so they can be closed after exit.
type outputPipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
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

func (p *outputPipes) closeWrite() {
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

func (p *outputPipes) closeRead() {
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
