package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ServerPath != defaultServerPath {
		t.Fatalf("server_path = %q, want %q", cfg.ServerPath, defaultServerPath)
	}
	if cfg.ReadyPattern != defaultReadyPattern {
		t.Fatalf("ready_pattern = %q, want %q", cfg.ReadyPattern, defaultReadyPattern)
	}
	if cfg.StartupTimeout != defaultStartupTimeout {
		t.Fatalf("startup_timeout = %s, want %s", cfg.StartupTimeout, defaultStartupTimeout)
	}
	if cfg.GracePeriod != defaultGracePeriod {
		t.Fatalf("grace_period = %s, want %s", cfg.GracePeriod, defaultGracePeriod)
	}
	if cfg.ForcedExitWait != defaultForcedExitWait {
		t.Fatalf("forced_exit_wait = %s, want %s", cfg.ForcedExitWait, defaultForcedExitWait)
	}
	if cfg.DefaultLocales != 0 {
		t.Fatalf("default_locales = %d, want 0", cfg.DefaultLocales)
	}
	if cfg.OutputTailBytes != defaultOutputTailKB*1024 {
		t.Fatalf("output tail bytes = %d, want %d", cfg.OutputTailBytes, defaultOutputTailKB*1024)
	}
	if len(cfg.ServerArgs) != 0 {
		t.Fatalf("server_args = %v, want empty", cfg.ServerArgs)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, DirName, FileName), `
server_path = "/opt/arkouda/arkouda_server"
server_args = ["--logLevel=LogLevel.DEBUG"]
startup_timeout = "9m"
default_locales = 8

[otel]
endpoint = "http://collector:4318"
`)

	writeFile(t, filepath.Join(work, DirName, FileName), `
server_args = ["--ServerPort=5556"]
grace_period = "45s"
forced_exit_wait = "3s"
default_locales = 4
output_tail_kb = 8
`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ServerPath != "/opt/arkouda/arkouda_server" {
		t.Fatalf("server_path = %q", cfg.ServerPath)
	}
	if len(cfg.ServerArgs) != 1 || cfg.ServerArgs[0] != "--ServerPort=5556" {
		t.Fatalf("server_args = %v, want project override", cfg.ServerArgs)
	}
	if cfg.StartupTimeout != 9*time.Minute {
		t.Fatalf("startup_timeout = %s, want 9m", cfg.StartupTimeout)
	}
	if cfg.GracePeriod != 45*time.Second {
		t.Fatalf("grace_period = %s, want 45s", cfg.GracePeriod)
	}
	if cfg.ForcedExitWait != 3*time.Second {
		t.Fatalf("forced_exit_wait = %s, want 3s", cfg.ForcedExitWait)
	}
	if cfg.DefaultLocales != 4 {
		t.Fatalf("default_locales = %d, want 4", cfg.DefaultLocales)
	}
	if cfg.OutputTailBytes != 8*1024 {
		t.Fatalf("output tail bytes = %d, want %d", cfg.OutputTailBytes, 8*1024)
	}
	if cfg.OTELEndpoint != "http://collector:4318" {
		t.Fatalf("otel endpoint = %q", cfg.OTELEndpoint)
	}
}

func TestLoadFilesRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad duration", content: `startup_timeout = "soon"`, wantErr: "startup_timeout"},
		{name: "negative duration", content: `grace_period = "-1s"`, wantErr: "grace_period"},
		{name: "zero locales", content: `default_locales = 0`, wantErr: "default_locales"},
		{name: "empty server", content: `server_path = "  "`, wantErr: "server_path"},
		{name: "unknown key", content: `wip_limit = 3`, wantErr: "wip_limit"},
		{name: "zero tail", content: `output_tail_kb = 0`, wantErr: "output_tail_kb"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			writeFile(t, path, tt.content)

			_, err := LoadFiles(context.Background(), path)
			if err == nil {
				t.Fatal("expected config error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFilesSkipsMissingPaths(t *testing.T) {
	cfg, err := LoadFiles(context.Background(), filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if cfg.ServerPath != defaultServerPath {
		t.Fatalf("server_path = %q, want default", cfg.ServerPath)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
