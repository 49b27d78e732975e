package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SCROBBLING_LASTFM_API_KEY", "")
	chdir(t, t.TempDir())

	cfg, err := load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Extract.PageSize != 200 || cfg.Extract.CheckpointEvery != 50 || cfg.Extract.MaxConsecutiveErrors != 10 {
		t.Errorf("unexpected extract defaults: %+v", cfg.Extract)
	}
	if cfg.Extract.MaxAttempts != 5 || cfg.Extract.BackoffBase != 2*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Extract)
	}
	if cfg.Extract.RateLimitFallback != 30*time.Second || cfg.Extract.RateLimitMargin != time.Second {
		t.Errorf("unexpected rate limit wait defaults: %+v", cfg.Extract)
	}
	if cfg.RateLimit.PerSecond != 4 || cfg.RateLimit.PerMinute != 200 || cfg.RateLimit.PerHour != 10000 {
		t.Errorf("unexpected ceilings: %+v", cfg.RateLimit)
	}
	if cfg.Timezone != "UTC" || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults: timezone=%q log_level=%q", cfg.Timezone, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	dir := t.TempDir()

	yaml := `
data_dir: /tmp/scrobbling-test
timezone: America/Bogota
lastfm:
  api_key: from-file
extract:
  page_size: 100
  backoff_base: 500ms
ratelimit:
  per_second: 2
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCROBBLING_LASTFM_API_KEY", "from-env")
	t.Setenv("SCROBBLING_EXTRACT_CHECKPOINT_EVERY", "7")

	cfg, err := load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LastFM.APIKey != "from-env" {
		t.Errorf("expected env to override file, got %q", cfg.LastFM.APIKey)
	}
	if cfg.DataDir != "/tmp/scrobbling-test" || cfg.Timezone != "America/Bogota" {
		t.Errorf("unexpected file values: %+v", cfg)
	}
	if cfg.Extract.PageSize != 100 || cfg.Extract.BackoffBase != 500*time.Millisecond {
		t.Errorf("unexpected extract values: %+v", cfg.Extract)
	}
	if cfg.Extract.CheckpointEvery != 7 {
		t.Errorf("expected checkpoint_every from env, got %d", cfg.Extract.CheckpointEvery)
	}
	if cfg.RateLimit.PerSecond != 2 || cfg.RateLimit.PerMinute != 200 {
		t.Errorf("unexpected ceilings: %+v", cfg.RateLimit)
	}
	if got := cfg.CheckpointDir(); got != filepath.Join("/tmp/scrobbling-test", "checkpoints") {
		t.Errorf("unexpected checkpoint dir %s", got)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	chdir(t, t.TempDir())
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("extract: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := load(dir); err == nil {
		t.Error("expected error for malformed config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DataDir:  "/tmp/x",
			Timezone: "UTC",
			Extract: ExtractConfig{
				PageSize:             200,
				CheckpointEvery:      50,
				MaxConsecutiveErrors: 10,
				MaxAttempts:          5,
				BackoffBase:          2 * time.Second,
				RateLimitFallback:    30 * time.Second,
				RateLimitMargin:      time.Second,
			},
			RateLimit: RateLimitConfig{PerSecond: 4, PerMinute: 200, PerHour: 10000},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "page size too large", mutate: func(c *Config) { c.Extract.PageSize = 500 }, wantErr: true},
		{name: "page size zero", mutate: func(c *Config) { c.Extract.PageSize = 0 }, wantErr: true},
		{name: "no checkpoint interval", mutate: func(c *Config) { c.Extract.CheckpointEvery = 0 }, wantErr: true},
		{name: "no attempts", mutate: func(c *Config) { c.Extract.MaxAttempts = 0 }, wantErr: true},
		{name: "negative ceiling", mutate: func(c *Config) { c.RateLimit.PerHour = -1 }, wantErr: true},
		{name: "unknown timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }, wantErr: true},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: true},
		{name: "zero ceilings disable limits", mutate: func(c *Config) { c.RateLimit = RateLimitConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}
