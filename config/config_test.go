package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRoutingModelFor(t *testing.T) {
	routing := RoutingConfig{
		Architect:  "deep",
		Researcher: "fast",
		Analyst:    "standard",
		Fallback:   "standard",
	}

	if got := routing.ModelFor("architect"); got != "deep" {
		t.Fatalf("architect routed to %q", got)
	}
	if got := routing.ModelFor("planner"); got != "deep" {
		t.Fatalf("planner alias routed to %q", got)
	}
	if got := routing.ModelFor("RESEARCHER"); got != "fast" {
		t.Fatalf("role lookup should be case-insensitive, got %q", got)
	}
	if got := routing.ModelFor("reconciler"); got != "standard" {
		t.Fatalf("reconciler alias routed to %q", got)
	}
	if got := routing.ModelFor("writer"); got != "standard" {
		t.Fatalf("unset role should fall back, got %q", got)
	}
	if got := routing.ModelFor("unknown-role"); got != "standard" {
		t.Fatalf("unknown role should fall back, got %q", got)
	}
}

func TestEngineValidate(t *testing.T) {
	valid := EngineConfig{
		MaxRounds:        3,
		MaxFanOut:        5,
		MaxConcurrent:    4,
		TaskTimeout:      time.Minute,
		EpisodeWindow:    20,
		EvaluationPolicy: "round_cap",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	noRounds := valid
	noRounds.MaxRounds = 0
	if err := noRounds.Validate(); err == nil {
		t.Fatalf("expected error for zero max_rounds")
	}

	noFanOut := valid
	noFanOut.MaxFanOut = 0
	if err := noFanOut.Validate(); err == nil {
		t.Fatalf("expected error for zero max_fan_out")
	}

	noTimeout := valid
	noTimeout.TaskTimeout = 0
	if err := noTimeout.Validate(); err == nil {
		t.Fatalf("expected error for zero task_timeout")
	}

	noWindow := valid
	noWindow.EpisodeWindow = 0
	if err := noWindow.Validate(); err == nil {
		t.Fatalf("expected error for zero episode_window")
	}

	badPolicy := valid
	badPolicy.EvaluationPolicy = "vibes"
	if err := badPolicy.Validate(); err == nil {
		t.Fatalf("expected error for unsupported evaluation_policy")
	}
}

func TestPostgresDSN(t *testing.T) {
	withURL := PostgresConfig{URL: "postgres://u:p@db:5432/inquest?sslmode=disable", Host: "ignored"}
	dsn, err := withURL.DSN()
	if err != nil || dsn != withURL.URL {
		t.Fatalf("explicit url should win, got %q (%v)", dsn, err)
	}

	assembled := PostgresConfig{Host: "db", User: "inquest", Password: "secret", DBName: "inquest"}
	dsn, err = assembled.DSN()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dsn != "postgres://inquest:secret@db:5432/inquest?sslmode=disable" {
		t.Fatalf("unexpected dsn: %q", dsn)
	}

	missing := PostgresConfig{User: "inquest"}
	if _, err := missing.DSN(); err == nil {
		t.Fatalf("expected error for unconfigured postgres")
	}
}

func TestRedisAddrDefaultsPort(t *testing.T) {
	r := RedisConfig{Host: "cache"}
	if got := r.Addr(); got != "cache:6379" {
		t.Fatalf("unexpected addr: %q", got)
	}
	r.Port = "6380"
	if got := r.Addr(); got != "cache:6380" {
		t.Fatalf("unexpected addr: %q", got)
	}
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
engine:
  max_rounds: 5
server:
  jwt_secret: test-secret
storage:
  postgres:
    host: db
    dbname: inquest
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxRounds != 5 {
		t.Fatalf("file value not applied, max_rounds=%d", cfg.Engine.MaxRounds)
	}
	if cfg.Engine.MaxFanOut != 5 || cfg.Engine.EpisodeWindow != 20 {
		t.Fatalf("defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Server.Addr != ":10010" || cfg.Server.TokenTTL != 24*time.Hour {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Server.JWTSecret != "test-secret" {
		t.Fatalf("jwt secret not read: %q", cfg.Server.JWTSecret)
	}
	if cfg.Engine.EvaluationPolicy != "round_cap" {
		t.Fatalf("unexpected evaluation policy: %q", cfg.Engine.EvaluationPolicy)
	}
}

func TestLoadRejectsBrokenBudgets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
engine:
  max_rounds: 0
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for zero max_rounds")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INQUEST_SERVER_ADDR", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("env override not applied, addr=%q", cfg.Server.Addr)
	}
}
