package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dspflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	require.NoError(t, err)

	assert.False(t, exists)
	assert.Equal(t, "dspflow.toml", filepath.Base(resolved))
	assert.Equal(t, config.Default(), *cfg)
	assert.Equal(t, []string{"public.negotiations", "public.transfers"}, cfg.Replication.Tables)
	assert.Equal(t, time.Second, cfg.Tasks.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.Bus.FetchWait())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[tasks]
batch_size = 50
max_retries = 0

[replication]
tables = ["negotiations", " public.transfers "]

[bus]
enabled = false

[protocol]
callback_address = "https://me.example/dsp/"

[logging]
level = "DEBUG"
format = "Text"
`)

	cfg, resolved, exists, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, 50, cfg.Tasks.BatchSize)
	assert.Zero(t, cfg.Tasks.MaxRetries)
	assert.Equal(t, 1000, cfg.Tasks.PollIntervalMS, "unset keys keep defaults")
	assert.Equal(t, []string{"public.negotiations", "public.transfers"}, cfg.Replication.Tables)
	assert.False(t, cfg.Bus.Enabled)
	assert.Equal(t, "https://me.example/dsp", cfg.Protocol.CallbackAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DSPFLOW_DATABASE_URL", "postgres://env/db")
	t.Setenv("DSPFLOW_BUS_URL", "nats://env:4222")
	path := writeConfig(t, `
[database]
url = "postgres://file/db"
`)

	cfg, _, _, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "nats://env:4222", cfg.Bus.URL)
}

func TestLoad_UnknownKeyIsRejected(t *testing.T) {
	path := writeConfig(t, `
[tasks]
batchsize = 5
`)
	_, _, _, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"empty database url", func(c *config.Config) { c.Database.URL = "" }, "database.url"},
		{"zero batch", func(c *config.Config) { c.Tasks.BatchSize = 0 }, "tasks.batch_size"},
		{"retry max below initial", func(c *config.Config) { c.Tasks.RetryMaxMS = 10 }, "tasks.retry_max_ms"},
		{"no replication tables", func(c *config.Config) { c.Replication.Tables = nil }, "replication.tables"},
		{"no slot", func(c *config.Config) { c.Replication.Slot = "" }, "replication.slot"},
		{"no bus stream", func(c *config.Config) { c.Bus.Stream = "" }, "bus.stream"},
		{"zero max deliver", func(c *config.Config) { c.Bus.MaxDeliver = 0 }, "bus.max_deliver"},
		{"bad callback", func(c *config.Config) { c.Protocol.CallbackAddress = "ftp://x" }, "protocol.callback_address"},
		{"bad dataplane", func(c *config.Config) { c.DataPlane.Endpoint = "http://" }, "dataplane.endpoint"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_DisabledSectionsAreNotChecked(t *testing.T) {
	cfg := config.Default()
	cfg.Replication.Enabled = false
	cfg.Replication.Tables = nil
	cfg.Bus.Enabled = false
	cfg.Bus.URL = ""
	assert.NoError(t, cfg.Validate())
}

func TestSampleMatchesDefaults(t *testing.T) {
	var sample config.Config
	require.NoError(t, toml.Unmarshal([]byte(config.Sample()), &sample))

	def := config.Default()
	assert.Equal(t, def.Tasks, sample.Tasks)
	assert.Equal(t, def.Replication, sample.Replication)
	assert.Equal(t, def.Bus, sample.Bus)
	assert.Equal(t, def.Logging, sample.Logging)
	assert.NoError(t, sample.Validate())
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.ParticipantID = "p-1"

	out, err := cfg.Encode()
	require.NoError(t, err)

	var decoded config.Config
	require.NoError(t, toml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg, decoded)
}
