package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Database configures the shared PostgreSQL pool.
type Database struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// Tasks configures the poll executor and its retry policy.
type Tasks struct {
	BatchSize      int `toml:"batch_size"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	// MaxRetries of zero retries failing tasks forever.
	MaxRetries     int `toml:"max_retries"`
	RetryInitialMS int `toml:"retry_initial_ms"`
	RetryMaxMS     int `toml:"retry_max_ms"`
}

// Replication configures the change data capture listener.
type Replication struct {
	Enabled               bool     `toml:"enabled"`
	Slot                  string   `toml:"slot"`
	Tables                []string `toml:"tables"`
	MaxRecordAttempts     int      `toml:"max_record_attempts"`
	StandbyTimeoutSeconds int      `toml:"standby_timeout_seconds"`
	ReconnectInitialMS    int      `toml:"reconnect_initial_ms"`
	ReconnectMaxMS        int      `toml:"reconnect_max_ms"`
}

// Bus configures the JetStream event bus.
type Bus struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	// Durable is the consumer name prefix; each process kind appends its own
	// suffix. Instances sharing it share the work.
	Durable        string `toml:"durable"`
	AutoProvision  bool   `toml:"auto_provision"`
	MaxDeliver     int    `toml:"max_deliver"`
	AckWaitSeconds int    `toml:"ack_wait_seconds"`
	FetchBatch     int    `toml:"fetch_batch"`
	FetchWaitMS    int    `toml:"fetch_wait_ms"`
}

// Protocol configures outbound protocol messages.
type Protocol struct {
	Name             string `toml:"name"`
	CallbackAddress  string `toml:"callback_address"`
	ParticipantID    string `toml:"participant_id"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// DataPlane configures the static data plane used by provider transfers.
type DataPlane struct {
	ID       string `toml:"id"`
	Endpoint string `toml:"endpoint"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the processd configuration. Sections:
//   - Database: PostgreSQL pool
//   - Tasks: poll executor and retry policy
//   - Replication: CDC listener
//   - Bus: JetStream publisher and subscribers
//   - Protocol: outbound dispatch and callback address
//   - DataPlane: provider data flows
//   - Logging: level and format
type Config struct {
	Database    Database    `toml:"database"`
	Tasks       Tasks       `toml:"tasks"`
	Replication Replication `toml:"replication"`
	Bus         Bus         `toml:"bus"`
	Protocol    Protocol    `toml:"protocol"`
	DataPlane   DataPlane   `toml:"dataplane"`
	Logging     Logging     `toml:"logging"`
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Database: Database{
			URL:      defaultDatabaseURL,
			MaxConns: defaultDatabaseMaxConns,
		},
		Tasks: Tasks{
			BatchSize:      defaultTaskBatchSize,
			PollIntervalMS: defaultTaskPollIntervalMS,
			MaxRetries:     defaultTaskMaxRetries,
			RetryInitialMS: defaultTaskRetryInitialMS,
			RetryMaxMS:     defaultTaskRetryMaxMS,
		},
		Replication: Replication{
			Enabled:               true,
			Slot:                  defaultReplicationSlot,
			Tables:                append([]string(nil), defaultReplicationTables...),
			MaxRecordAttempts:     defaultMaxRecordAttempts,
			StandbyTimeoutSeconds: defaultStandbyTimeoutSecs,
			ReconnectInitialMS:    defaultReconnectInitialMS,
			ReconnectMaxMS:        defaultReconnectMaxMS,
		},
		Bus: Bus{
			Enabled:        true,
			URL:            defaultBusURL,
			Stream:         defaultBusStream,
			Durable:        defaultBusDurable,
			AutoProvision:  true,
			MaxDeliver:     defaultBusMaxDeliver,
			AckWaitSeconds: defaultBusAckWaitSeconds,
			FetchBatch:     defaultBusFetchBatch,
			FetchWaitMS:    defaultBusFetchWaitMS,
		},
		Protocol: Protocol{
			Name:             defaultProtocolName,
			RequestTimeoutMS: defaultProtocolTimeoutMS,
		},
		DataPlane: DataPlane{
			ID: defaultDataPlaneID,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load locates, parses, and validates a configuration file. An empty path
// searches ./dspflow.toml and then /etc/dspflow/config.toml; when neither
// exists the defaults are used. The resolved path and whether it existed are
// returned alongside the config.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", false, fmt.Errorf("resolve config path %q: %w", path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("config file %s does not exist", abs)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return abs, true, nil
	}

	projectPath, err := filepath.Abs(defaultConfigFileName)
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{projectPath, defaultSystemConfigPath} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true, nil
		}
	}
	return projectPath, false, nil
}

// Encode renders cfg as TOML.
func (c *Config) Encode() ([]byte, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// PollInterval is the idle sleep of the task poll executor.
func (t Tasks) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t Tasks) RetryInitial() time.Duration {
	return time.Duration(t.RetryInitialMS) * time.Millisecond
}

func (t Tasks) RetryMax() time.Duration {
	return time.Duration(t.RetryMaxMS) * time.Millisecond
}

func (r Replication) StandbyTimeout() time.Duration {
	return time.Duration(r.StandbyTimeoutSeconds) * time.Second
}

func (r Replication) ReconnectInitial() time.Duration {
	return time.Duration(r.ReconnectInitialMS) * time.Millisecond
}

func (r Replication) ReconnectMax() time.Duration {
	return time.Duration(r.ReconnectMaxMS) * time.Millisecond
}

func (b Bus) AckWait() time.Duration {
	return time.Duration(b.AckWaitSeconds) * time.Second
}

func (b Bus) FetchWait() time.Duration {
	return time.Duration(b.FetchWaitMS) * time.Millisecond
}

func (p Protocol) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMS) * time.Millisecond
}
