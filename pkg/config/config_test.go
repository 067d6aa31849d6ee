package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("unexpected server port %d", cfg.Server.Port)
	}
	if cfg.Paths.DevicesCSV != "/etc/linuxmuster/sophomorix/default-school/devices.csv" {
		t.Errorf("unexpected devices path %q", cfg.Paths.DevicesCSV)
	}
	if cfg.School != "default-school" {
		t.Errorf("unexpected school %q", cfg.School)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("unexpected rate limit %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Watcher.DebounceMS != 500 {
		t.Errorf("unexpected debounce %d", cfg.Watcher.DebounceMS)
	}
	if cfg.Network.ServerIP != "10.0.0.1" || cfg.Network.Domain != "linuxmuster.lan" {
		t.Errorf("unexpected network defaults: %+v", cfg.Network)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Errorf("unexpected redis addr %q", cfg.Redis.Addr())
	}
	if cfg.Worker.ProvisionBatchSize != 50 || cfg.Worker.MaxRetries != 3 {
		t.Errorf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Worker.DevicesCSVMaster != "/etc/linuxmuster/sophomorix/default-school/devices.csv" {
		t.Errorf("unexpected master csv %q", cfg.Worker.DevicesCSVMaster)
	}
}

func TestSchoolThreadsIntoWorkerPaths(t *testing.T) {
	cfg := &Config{School: "gym-north"}
	ApplyDefaults(cfg)
	if cfg.Worker.DevicesCSVMaster != "/etc/linuxmuster/sophomorix/gym-north/devices.csv" {
		t.Errorf("school not threaded into master path: %q", cfg.Worker.DevicesCSVMaster)
	}
	if cfg.Worker.DevicesCSVDelta != "/etc/linuxmuster/sophomorix/gym-north/linbo-docker.devices.csv" {
		t.Errorf("school not threaded into delta path: %q", cfg.Worker.DevicesCSVDelta)
	}
}

func TestLevelNormalized(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level not normalized: %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.Port = 99999
	if err := Validate(cfg); err == nil {
		t.Error("out-of-range port must fail validation")
	}

	cfg = &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Format = "xml"
	if err := Validate(cfg); err == nil {
		t.Error("unknown log format must fail validation")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LINBO_SERVER_PORT", "8081")
	t.Setenv("LINBO_SCHOOL", "test-school")
	t.Setenv("LINBO_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("env port not applied: %d", cfg.Server.Port)
	}
	if cfg.School != "test-school" {
		t.Errorf("env school not applied: %q", cfg.School)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("env level not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  port: 9000
auth:
  bearer_tokens: tok-a,tok-b
school: file-school
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("file port not applied: %d", cfg.Server.Port)
	}
	if cfg.School != "file-school" {
		t.Errorf("file school not applied: %q", cfg.School)
	}
	if cfg.Auth.BearerTokens != "tok-a,tok-b" {
		t.Errorf("file tokens not applied: %q", cfg.Auth.BearerTokens)
	}
}

func TestResolveTokensFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	content := "# comment\ntok-one\n\n  tok-two  \n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	auth := AuthConfig{BearerTokensFile: path, BearerTokens: "tok-env"}
	tokens := auth.ResolveTokens()
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if _, ok := tokens["tok-one"]; !ok {
		t.Error("tok-one missing")
	}
	if _, ok := tokens["tok-two"]; !ok {
		t.Error("tok-two missing (whitespace must be trimmed)")
	}
	if _, ok := tokens["tok-env"]; ok {
		t.Error("env fallback must not be used when file has tokens")
	}
}

func TestResolveTokensFallbackToEnv(t *testing.T) {
	auth := AuthConfig{
		BearerTokensFile: filepath.Join(t.TempDir(), "missing"),
		BearerTokens:     "a, b ,,c",
	}
	tokens := auth.ResolveTokens()
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}
	for _, want := range []string{"a", "b", "c"} {
		if _, ok := tokens[want]; !ok {
			t.Errorf("token %q missing", want)
		}
	}
}

func TestParseAllowlist(t *testing.T) {
	auth := AuthConfig{IPAllowlist: "10.0.0.0/16, 127.0.0.0/8,garbage,::1/128"}
	networks := auth.ParseAllowlist()
	if len(networks) != 3 {
		t.Fatalf("expected 3 networks (garbage skipped), got %d", len(networks))
	}

	empty := AuthConfig{IPAllowlist: ""}
	if got := empty.ParseAllowlist(); len(got) != 0 {
		t.Errorf("empty allowlist must parse to nothing, got %v", got)
	}
}
