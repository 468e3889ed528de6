package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, QueueMemory, cfg.Queue.Driver)
	assert.Equal(t, "reconciliation", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.Tries)
	assert.Equal(t, 50000, cfg.Reconciliation.AsyncThreshold)
	assert.Equal(t, 10, cfg.Reconciliation.TraceLimit)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 0.60, cfg.DetectionConfig().MaxDeductionPct)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: a config file and one environment override
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  shutdown_timeout: 30s
queue:
  driver: LMSTFY
  lmstfy:
    host: lmstfy.internal
    namespace: payroll
    token: secret
detection:
  max_deduction_pct: 0.5
  batch_size: 1000
`), 0o600))
	t.Setenv("PAYRECON_SERVER_PORT", "9090")

	// WHEN
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN: env beats file, file beats defaults
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, QueueLmstfy, cfg.Queue.Driver)
	assert.Equal(t, "lmstfy.internal", cfg.Queue.Lmstfy.Host)
	assert.Equal(t, 7777, cfg.Queue.Lmstfy.Port)

	det := cfg.DetectionConfig()
	assert.Equal(t, 0.5, det.MaxDeductionPct)
	assert.Equal(t, 1000, det.BatchSize)
	assert.Equal(t, 0.50, det.SpikeThresholdPct)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"port":            func(c *Config) { c.Server.Port = 0 },
		"database path":   func(c *Config) { c.Database.Path = "" },
		"queue driver":    func(c *Config) { c.Queue.Driver = "kafka" },
		"lmstfy host":     func(c *Config) { c.Queue.Driver = QueueLmstfy },
		"log level":       func(c *Config) { c.Log.Level = "loud" },
		"log format":      func(c *Config) { c.Log.Format = "xml" },
		"async threshold": func(c *Config) { c.Reconciliation.AsyncThreshold = 0 },
		"concurrency":     func(c *Config) { c.Worker.Concurrency = 0 },
		"detection": func(c *Config) {
			zero := 0
			c.Detection.BatchSize = &zero
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLoggerAndLogError(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)

	LogError(logger, "reconciliation", "RunCheck", "load run", map[string]string{"run_id": "run-1"}, errors.New("boom"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "boom", record["msg"])
	assert.Equal(t, "reconciliation", record["module"])
	assert.Equal(t, "RunCheck", record["funcName"])
	assert.NotNil(t, record["data"])

	_, err = NewLogger("loud", "json", nil)
	assert.Error(t, err)
}
