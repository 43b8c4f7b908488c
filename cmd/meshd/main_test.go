package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/core"
	apperrors "github.com/meshpay/meshd/lib/errors"
)

// fakeBabeld answers "dump" with a fixed fee and accepts "fee N".
type fakeBabeld struct {
	mu       sync.Mutex
	fee      string
	received []string
}

func (f *fakeBabeld) dial(t *testing.T) func(context.Context, *core.Config, *slog.Logger) (*babel.Client, error) {
	return func(_ context.Context, _ *core.Config, logger *slog.Logger) (*babel.Client, error) {
		client, server := net.Pipe()
		go f.serve(server)
		c := babel.NewClient(client, logger)
		if err := c.Start(); err != nil {
			client.Close()
			return nil, err
		}
		t.Cleanup(func() { client.Close() })
		return c, nil
	}
}

func (f *fakeBabeld) serve(conn net.Conn) {
	defer conn.Close()
	if _, err := conn.Write([]byte("BABEL 1.0\nversion babeld-1.8.0\nok\n")); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)

		f.mu.Lock()
		f.received = append(f.received, cmd)
		fee := f.fee
		f.mu.Unlock()

		reply := "bad\n"
		switch {
		case cmd == "dump":
			reply = "local fee " + fee + "\nok\n"
		case strings.HasPrefix(cmd, "fee "):
			reply = "ok\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (f *fakeBabeld) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func withBabel(t *testing.T, f *fakeBabeld) {
	t.Helper()
	orig := dialBabel
	dialBabel = f.dial(t)
	t.Cleanup(func() { dialBabel = orig })
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.Node.DataDir = filepath.Join(dir, "data")
	cfg.Metrics.Enabled = false
	path := filepath.Join(dir, "config.toml")
	if err := core.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(version) = %d, want 0; stderr: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "meshd version ") {
		t.Errorf("stdout = %q, want a version line", stdout.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", writeConfig(t), "dance"}, &stdout, &stderr); code != 2 {
		t.Errorf("run(dance) = %d, want 2", code)
	}
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-nope"}, &stdout, &stderr); code != 2 {
		t.Errorf("run(-nope) = %d, want 2", code)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[exit]\ntunnel = \"\"\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", path, "fee", "get"}, &stdout, &stderr); code != 1 {
		t.Errorf("run() with invalid config = %d, want 1", code)
	}
}

func TestFeeGet(t *testing.T) {
	f := &fakeBabeld{fee: "1024"}
	withBabel(t, f)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", writeConfig(t), "fee", "get"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(fee get) = %d, want 0; stderr: %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "1024" {
		t.Errorf("fee get printed %q, want %q", got, "1024")
	}
}

func TestFeeSet_PersistsToConfig(t *testing.T) {
	f := &fakeBabeld{fee: "1"}
	withBabel(t, f)
	path := writeConfig(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", path, "fee", "set", "777"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(fee set) = %d, want 0; stderr: %s", code, stderr.String())
	}

	if got := f.commands(); len(got) != 1 || got[0] != "fee 777" {
		t.Errorf("babeld received %v, want [fee 777]", got)
	}

	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Payment.LocalFee != 777 {
		t.Errorf("persisted local_fee = %d, want 777", cfg.Payment.LocalFee)
	}
}

func TestFeeSet_Rejected(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"not a number", []string{"fee", "set", "cheap"}, 1},
		{"negative", []string{"fee", "set", "-5"}, 1},
		{"above babel limit", []string{"fee", "set", "1000000000"}, 1},
		{"missing value", []string{"fee", "set"}, 2},
		{"unknown subcommand", []string{"fee", "bump"}, 2},
		{"no subcommand", []string{"fee"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeBabeld{fee: "1"}
			withBabel(t, f)
			path := writeConfig(t)

			var stdout, stderr bytes.Buffer
			args := append([]string{"-config", path}, tt.args...)
			if code := run(args, &stdout, &stderr); code != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, code, tt.want)
			}
			if got := f.commands(); len(got) != 0 {
				t.Errorf("babeld received %v, want nothing", got)
			}

			cfg, err := core.LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if cfg.Payment.LocalFee != core.DefaultLocalFee {
				t.Errorf("local_fee = %d, want unchanged %d", cfg.Payment.LocalFee, core.DefaultLocalFee)
			}
		})
	}
}

func TestFeeSet_BabeldUnavailable(t *testing.T) {
	orig := dialBabel
	dialBabel = func(context.Context, *core.Config, *slog.Logger) (*babel.Client, error) {
		return nil, errors.New("connection refused")
	}
	t.Cleanup(func() { dialBabel = orig })
	path := writeConfig(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", path, "fee", "set", "5"}, &stdout, &stderr); code != 1 {
		t.Errorf("run(fee set) = %d, want 1", code)
	}

	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Payment.LocalFee != core.DefaultLocalFee {
		t.Errorf("local_fee = %d, want unchanged %d", cfg.Payment.LocalFee, core.DefaultLocalFee)
	}
}

func TestFeeSet_KeepsOverridesOutOfConfig(t *testing.T) {
	f := &fakeBabeld{fee: "1"}
	withBabel(t, f)
	path := writeConfig(t)
	t.Setenv("MESHD_NODE_NAME", "name-from-env")
	t.Setenv("MESHD_MAX_FEE", "424242")

	var stdout, stderr bytes.Buffer
	args := []string{"-config", path, "-data-dir", filepath.Join(t.TempDir(), "flag-dir"), "fee", "set", "31"}
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("run(fee set) = %d, want 0; stderr: %s", code, stderr.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	stored := string(data)
	for _, transient := range []string{"name-from-env", "424242", "flag-dir"} {
		if strings.Contains(stored, transient) {
			t.Errorf("config file picked up override %q:\n%s", transient, stored)
		}
	}
	if !strings.Contains(stored, "local_fee = 31") {
		t.Errorf("config file does not carry the new fee:\n%s", stored)
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
	}{
		{"success", nil, 0, ""},
		{"usage", apperrors.Wrap(apperrors.CodeInvalidInput, "missing fee command", errUsage), 2, "code=2"},
		{"unavailable", apperrors.Wrap(apperrors.CodeUnavailable, "connecting to babeld", errors.New("refused")), 1, "code=5"},
		{"node state", apperrors.ErrNodeInvalidState, 1, "code=6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))
			if got := exitStatus(logger, tt.err); got != tt.want {
				t.Errorf("exitStatus() = %d, want %d", got, tt.want)
			}
			if tt.wantCode != "" && !strings.Contains(logs.String(), tt.wantCode) {
				t.Errorf("log %q does not carry %s", logs.String(), tt.wantCode)
			}
		})
	}
}
