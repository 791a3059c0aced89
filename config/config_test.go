package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/gate"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, BackendNATS, cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, workflow.Layers(), cfg.Layers())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "external nats without url",
			modify:  func(c *Config) { c.NATS.Embedded = false },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "sqlite" },
			wantErr: true,
		},
		{
			name:    "postgres without url",
			modify:  func(c *Config) { c.Storage.Backend = BackendPostgres },
			wantErr: true,
		},
		{
			name: "postgres with url",
			modify: func(c *Config) {
				c.Storage.Backend = BackendPostgres
				c.Storage.PostgresURL = "postgres://localhost/semplan"
			},
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Engine.MaxConcurrency = 0 },
			wantErr: true,
		},
		{
			name:    "unknown layer",
			modify:  func(c *Config) { c.Engine.Layers = []string{"frontend"} },
			wantErr: true,
		},
		{
			name:    "bad retry",
			modify:  func(c *Config) { c.Retry.BackoffMultiplier = 0.5 },
			wantErr: true,
		},
		{
			name: "bad gate policy",
			modify: func(c *Config) {
				c.Gate = map[workflow.HITLEventType]gate.TimeoutPolicy{
					workflow.HITLApprovalRequest: {OnTimeout: gate.OnTimeoutApprove},
				}
			},
			wantErr: true,
		},
		{
			name: "unknown gate event type",
			modify: func(c *Config) {
				c.Gate = map[workflow.HITLEventType]gate.TimeoutPolicy{
					"nudge": {OnTimeout: gate.OnTimeoutBlock},
				}
			},
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
		{
			name:    "bad watch pattern",
			modify:  func(c *Config) { c.Plans.Watch.Patterns = []string{"[oops"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("SEMPLAN_TEST_NATS", "nats://test:4222")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
nats:
  url: ${SEMPLAN_TEST_NATS}
  embedded: false
storage:
  backend: postgres
  postgres_url: ${SEMPLAN_TEST_UNSET:-postgres://localhost/semplan}
engine:
  max_concurrency: 8
  dispatch_timeout: 10m
  layers: [cognitive, response]
retry:
  backoff_base: 2s
gate:
  approval_request:
    timeout: 1h
    on_timeout: approve
plans:
  dir: ./plans
  watch:
    debounce_delay: 1s
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "nats://test:4222", cfg.NATS.URL)
	assert.False(t, cfg.NATS.Embedded)
	assert.Equal(t, "postgres://localhost/semplan", cfg.Storage.PostgresURL)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Engine.DispatchTimeout)
	assert.Equal(t, 2*time.Second, cfg.Retry.BackoffBase)
	assert.Equal(t, gate.TimeoutPolicy{Timeout: time.Hour, OnTimeout: gate.OnTimeoutApprove},
		cfg.Gate[workflow.HITLApprovalRequest])
	assert.Equal(t, "./plans", cfg.Plans.Dir)
	assert.Equal(t, "1s", cfg.Plans.Watch.DebounceDelay)

	merged := DefaultConfig()
	merged.Merge(cfg)
	require.NoError(t, merged.Validate())
	assert.Equal(t, []workflow.Layer{workflow.LayerCognitive, workflow.LayerResponse}, merged.Layers())
	assert.Equal(t, 2.0, merged.Retry.BackoffMultiplier, "unset fields keep defaults")
	assert.Equal(t, DefaultConfig().Plans.Watch.Patterns, merged.Plans.Watch.Patterns)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Parse([]byte("engine: [not, a, map]"))
	assert.Error(t, err)
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Gate = map[workflow.HITLEventType]gate.TimeoutPolicy{
		workflow.HITLInputRequest: {Timeout: time.Minute, OnTimeout: gate.OnTimeoutReject},
	}
	override := &Config{
		Storage: StorageConfig{Backend: BackendMemory},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9999"},
		Gate: map[workflow.HITLEventType]gate.TimeoutPolicy{
			workflow.HITLApprovalRequest: {OnTimeout: gate.OnTimeoutBlock},
		},
	}

	base.Merge(override)
	base.Merge(nil)

	assert.Equal(t, BackendMemory, base.Storage.Backend)
	assert.Equal(t, "127.0.0.1:9999", base.Metrics.Addr)
	assert.True(t, base.NATS.Embedded, "nats untouched without a url")
	assert.Len(t, base.Gate, 2)
	assert.Equal(t, 30*time.Second, base.Engine.TimeoutCheckInterval)
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte("engine:\n  max_concurrency: 2\nlog:\n  level: warn\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, ProjectConfigFile),
		[]byte("engine:\n  max_concurrency: 6\nstorage:\n  backend: memory\n"), 0o644))

	l := NewLoader(nil)
	l.home = home
	l.wd = nested

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Engine.MaxConcurrency, "project overrides user")
	assert.Equal(t, "warn", cfg.Log.Level, "user overrides defaults")
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)

	explicit := filepath.Join(t.TempDir(), "other.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("engine:\n  max_concurrency: 9\n"), 0o644))
	cfg, err = l.Load(explicit)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.MaxConcurrency)
	assert.Equal(t, BackendNATS, cfg.Storage.Backend, "explicit path replaces project search")

	_, err = l.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(explicit, []byte("storage:\n  backend: sqlite\n"), 0o644))
	_, err = l.Load(explicit)
	assert.Error(t, err)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "plan_id", "p1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"plan_id":"p1"`)
}
