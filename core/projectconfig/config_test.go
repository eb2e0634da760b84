package projectconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingAllowedReturnsDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Storage.BackupRetention != 5 {
		t.Fatalf("unexpected retention: %d", config.Storage.BackupRetention)
	}
	if config.Identity.MaxAttempts != 10 {
		t.Fatalf("unexpected identity attempts: %d", config.Identity.MaxAttempts)
	}
	if config.Assessment.ReadyCoveragePercent != 90 {
		t.Fatalf("unexpected ready threshold: %v", config.Assessment.ReadyCoveragePercent)
	}

	timeout, retry, staleAfter, err := config.Lock.Durations()
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if timeout != 10*time.Second || retry != 50*time.Millisecond || staleAfter != 5*time.Minute {
		t.Fatalf("unexpected lock durations: %v %v %v", timeout, retry, staleAfter)
	}
}

func TestLoadMissingDisallowed(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoadPartialConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("storage:\n  root: /var/lib/casereview\nlock:\n  timeout: 2s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	config, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Storage.Root != "/var/lib/casereview" {
		t.Fatalf("unexpected root: %s", config.Storage.Root)
	}
	if config.Lock.Timeout != "2s" {
		t.Fatalf("unexpected timeout: %s", config.Lock.Timeout)
	}
	if config.Lock.Retry != "50ms" {
		t.Fatalf("retry default not applied: %s", config.Lock.Retry)
	}
	if config.Storage.BackupRetention != 5 {
		t.Fatalf("retention default not applied: %d", config.Storage.BackupRetention)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage: [unbalanced"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, false); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationsRejectMalformedValues(t *testing.T) {
	lock := LockConfig{Timeout: "soon", Retry: "50ms", StaleAfter: "5m"}
	if _, _, _, err := lock.Durations(); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load("  ", true); err == nil {
		t.Fatal("expected error for empty path")
	}
}
