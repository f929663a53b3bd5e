package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MergesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_duration_ms: 50\nrate_limits:\n  command_burst: 5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickDuration() != 50*time.Millisecond {
		t.Fatalf("tick=%v", tu.TickDuration())
	}
	if tu.PingIntervals != 3 {
		t.Fatalf("ping intervals default lost: %d", tu.PingIntervals)
	}
	if tu.RateLimits.CommandBurst != 5 || tu.RateLimits.CommandsPerSecond != 20 {
		t.Fatalf("rate limits=%+v", tu.RateLimits)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_duration_ms: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load repo tuning: %v", err)
	}
	if err := tu.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
