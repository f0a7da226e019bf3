// Package test provides shared testing utilities for benchrun.
//
// Most helpers build throwaway executables so server and client lifecycle
// code can be exercised against real processes.
package test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a test context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// TimeoutContext returns a test context that expires after d.
func TimeoutContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// WriteScript writes an executable /bin/sh script named name into dir and
// returns its path.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + strings.TrimLeft(body, "\n")
	// #nosec G306 -- test fixtures must be executable.
	err := os.WriteFile(path, []byte(content), 0o755)
	require.NoError(t, err, "failed to write script %s", path)
	return path
}

// ServerScript returns a fake server that records its arguments to argsFile,
// announces host:port, and exits cleanly on SIGTERM.
func ServerScript(t *testing.T, dir, host string, port string, argsFile string) string {
	t.Helper()
	return WriteScript(t, dir, "fake_server", `
echo "$@" > '`+argsFile+`'
trap 'echo "server shutting down"; exit 0' TERM
echo "starting up"
echo "server listening on tcp://`+host+`:`+port+`"
while true; do sleep 0.05; done
`)
}

// StubbornServerScript returns a fake server that announces itself and
// ignores SIGTERM.
func StubbornServerScript(t *testing.T, dir string) string {
	t.Helper()
	return WriteScript(t, dir, "stubborn_server", `
trap '' TERM
echo "server listening on tcp://localhost:5555"
while true; do sleep 0.05; done
`)
}

// ClientScript returns a fake client that appends "<name> <args>" to logFile
// and exits with code.
func ClientScript(t *testing.T, dir, name string, code int, logFile string) string {
	t.Helper()
	return WriteScript(t, dir, name, `
echo "`+name+` $@" >> '`+logFile+`'
echo "`+name+` running against $1:$2"
exit `+strconv.Itoa(code)+`
`)
}

// ReadLines returns the non-empty lines of path.
func ReadLines(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	lines := []string{}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// AssertFileContent checks if a file has the expected content.
func AssertFileContent(t *testing.T, path, expectedContent string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	assert.Equal(t, expectedContent, string(content), "file content mismatch")
}

// SkipIfShort skips subprocess-heavy tests when -short is set.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
