package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigPrecedence(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	cfgFile := filepath.Join(t.TempDir(), "dirserve.yaml")
	body := "port: 9100\nroot: " + root + "\nallowUpload: true\nmaxConns: 5\n"
	if err := os.WriteFile(cfgFile, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRSERVE_PORT", "9000")
	t.Setenv("DIRSERVE_LOG_LEVEL", "debug")

	cfg, err := loadConfig([]string{"-config", cfgFile, "-max-conns", "7", "-stat-cache-ttl", "2m"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("file should override env: port = %d", cfg.Port)
	}
	if cfg.MaxConns != 7 {
		t.Errorf("flag should override file: maxConns = %d", cfg.MaxConns)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env log level lost: %q", cfg.LogLevel)
	}
	if !cfg.AllowUpload || cfg.Root != root {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.StatCacheTTL.Std() != 2*time.Minute {
		t.Errorf("StatCacheTTL = %v", cfg.StatCacheTTL.Std())
	}

	cfg, err = loadConfig([]string{other})
	if err != nil {
		t.Fatalf("loadConfig positional: %v", err)
	}
	if cfg.Root != other {
		t.Errorf("positional root = %q, want %q", cfg.Root, other)
	}
	if cfg.Port != 9000 {
		t.Errorf("env port = %d, want 9000", cfg.Port)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig([]string{"-port", "0", t.TempDir()}); err == nil {
		t.Error("expected invalid port error")
	}
	if _, err := loadConfig([]string{"a", "b"}); err == nil {
		t.Error("expected error for two roots")
	}
	if _, err := loadConfig([]string{"-bogus"}); err == nil {
		t.Error("expected unknown flag error")
	}
}
