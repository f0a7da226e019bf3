package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benchrun/benchrun/internal/config"
	"github.com/benchrun/benchrun/internal/locale"
	"github.com/benchrun/benchrun/test"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func noEnv(string) (string, bool) {
	return "", false
}

func newTestApp(cfg config.Config) *app {
	return &app{
		cfg:       &cfg,
		logger:    testLogger(),
		runID:     "test-run",
		lookupEnv: noEnv,
	}
}

func execute(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(test.Context(t), t, a, args...)
}

func executeContext(ctx context.Context, t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	if args == nil {
		args = []string{}
	}
	var stdout, stderr syncBuffer
	cmd := newRootCommand(a)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	a := newTestApp(config.Defaults())
	stdout, _, err := execute(t, a, "--version")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(stdout))
	assert.Equal(t, 0, a.exitCode)
}

func TestRootCommandHelpListsFlags(t *testing.T) {
	stdout, _, err := execute(t, newTestApp(config.Defaults()), "--help")
	require.NoError(t, err)

	for _, flag := range []string{"--numlocales", "--server", "--server-arg", "--startup-timeout", "--grace-period", "--suite", "--otel-endpoint"} {
		assert.Contains(t, stdout, flag)
	}
}

func TestRunSessionEndToEnd(t *testing.T) {
	test.SkipIfShort(t)

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "server.args")
	callLog := filepath.Join(dir, "calls.log")
	cfg := config.Defaults()
	cfg.ServerPath = test.ServerScript(t, dir, "node01", "5555", argsFile)
	first := test.ClientScript(t, dir, "first", 0, callLog)
	second := test.ClientScript(t, dir, "second", 2, callLog)

	a := newTestApp(cfg)
	stdout, stderr, err := execute(t, a, first, second, "-n", "3", "--", "--fast")
	require.NoError(t, err)

	assert.Equal(t, 2, a.exitCode)
	assert.Equal(t, []string{"-nl 3"}, test.ReadLines(t, argsFile))
	assert.Equal(t, []string{
		"first node01 5555 --fast",
		"second node01 5555 --fast",
	}, test.ReadLines(t, callLog))
	assert.Contains(t, stdout, "first running against node01:5555")
	assert.Contains(t, stderr, "server listening on tcp://node01:5555")
	assert.Contains(t, stderr, "server shutting down")
	assert.Contains(t, stderr, "benchrun: failure (exit 2)")
}

func TestRunSessionSuiteFile(t *testing.T) {
	test.SkipIfShort(t)

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "server.args")
	callLog := filepath.Join(dir, "calls.log")
	cfg := config.Defaults()
	cfg.ServerPath = test.ServerScript(t, dir, "localhost", "7777", argsFile)
	scan := test.ClientScript(t, dir, "scan", 0, callLog)

	suitePath := filepath.Join(dir, "suite.hcl")
	require.NoError(t, os.WriteFile(suitePath, []byte(`
numlocales = 2

client "scan" {
  path = "`+scan+`"
  args = ["--size", "10"]
}
`), 0o600))

	a := newTestApp(cfg)
	_, _, err := execute(t, a, "--suite", suitePath, "--", "--verbose")
	require.NoError(t, err)

	assert.Equal(t, 0, a.exitCode)
	assert.Equal(t, []string{"-nl 2"}, test.ReadLines(t, argsFile))
	assert.Equal(t, []string{"scan localhost 7777 --size 10 --verbose"}, test.ReadLines(t, callLog))
}

func TestRunSessionInterruptStopsRealServer(t *testing.T) {
	test.SkipIfShort(t)

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "server.args")
	callLog := filepath.Join(dir, "calls.log")
	running := filepath.Join(dir, "running")
	cfg := config.Defaults()
	cfg.ServerPath = test.ServerScript(t, dir, "node01", "5555", argsFile)
	cfg.GracePeriod = 2 * time.Second
	hang := test.WriteScript(t, dir, "hang", `
touch '`+running+`'
while true; do sleep 0.05; done
`)
	never := test.ClientScript(t, dir, "never", 0, callLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		stderr string
		err    error
	}
	done := make(chan outcome, 1)
	a := newTestApp(cfg)
	go func() {
		_, stderr, err := executeContext(ctx, t, a, hang, never, "-n", "2")
		done <- outcome{stderr: stderr, err: err}
	}()

	test.Eventually(t, 10*time.Second, func() bool {
		_, err := os.Stat(running)
		return err == nil
	}, "first client never started")
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("interrupted session did not finish")
	}

	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.Contains(t, got.stderr, "server shutting down", "server must receive SIGTERM")
	assert.NotZero(t, a.exitCode)
	assert.Equal(t, 130, a.exitCode&130, "interrupt must fold 130 into the exit code")

	_, statErr := os.Stat(callLog)
	assert.True(t, os.IsNotExist(statErr), "no client may start after the interrupt")
}

func TestRunSessionConfigurationErrorNeverStartsServer(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "server.args")
	cfg := config.Defaults()
	cfg.ServerPath = test.ServerScript(t, dir, "localhost", "5555", argsFile)

	a := newTestApp(cfg)
	_, _, err := execute(t, a, "/bin/true")
	require.Error(t, err)
	assert.True(t, errors.Is(err, locale.ErrConfiguration), "err = %v", err)
	assert.Equal(t, 1, a.exitCode)

	_, statErr := os.Stat(argsFile)
	assert.True(t, os.IsNotExist(statErr), "server must not start without a locale count")
}

func TestRunSessionUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no clients", args: nil, want: "at least one client"},
		{name: "zero locales", args: []string{"-n", "0", "/bin/true"}, want: "--numlocales must be positive"},
		{name: "missing suite", args: []string{"--suite", "/nonexistent/suite.hcl"}, want: "read suite file"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := newTestApp(config.Defaults())
			_, _, err := execute(t, a, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, 1, a.exitCode)
		})
	}
}

func TestSplitAtDash(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		dash        int
		clients     []string
		passthrough []string
	}{
		{name: "no dash", args: []string{"a", "b"}, dash: -1, clients: []string{"a", "b"}},
		{name: "dash after clients", args: []string{"a", "--x"}, dash: 1, clients: []string{"a"}, passthrough: []string{"--x"}},
		{name: "dash first", args: []string{"--x"}, dash: 0, clients: []string{}, passthrough: []string{"--x"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clients, passthrough := splitAtDash(tc.args, tc.dash)
			assert.Equal(t, tc.clients, clients)
			if len(tc.passthrough) == 0 {
				assert.Empty(t, passthrough)
			} else {
				assert.Equal(t, tc.passthrough, passthrough)
			}
		})
	}
}

func TestEventLevel(t *testing.T) {
	assert.Equal(t, log.ErrorLevel, eventLevel("ERROR"))
	assert.Equal(t, log.WarnLevel, eventLevel("WARN"))
	assert.Equal(t, log.InfoLevel, eventLevel("INFO"))
}
