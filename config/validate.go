package config

import (
	"errors"
	"fmt"
	"net/url"

	"dspflow/logging"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateTasks(); err != nil {
		return err
	}
	if err := c.validateReplication(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateProtocol(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set %s)", envDatabaseURL)
	}
	if c.Database.MaxConns < 0 {
		return errors.New("database.max_conns must not be negative")
	}
	return nil
}

func (c *Config) validateTasks() error {
	if c.Tasks.BatchSize <= 0 {
		return errors.New("tasks.batch_size must be positive")
	}
	if c.Tasks.PollIntervalMS <= 0 {
		return errors.New("tasks.poll_interval_ms must be positive")
	}
	if c.Tasks.MaxRetries < 0 {
		return errors.New("tasks.max_retries must not be negative")
	}
	if c.Tasks.RetryInitialMS <= 0 {
		return errors.New("tasks.retry_initial_ms must be positive")
	}
	if c.Tasks.RetryMaxMS < c.Tasks.RetryInitialMS {
		return errors.New("tasks.retry_max_ms must be at least tasks.retry_initial_ms")
	}
	return nil
}

func (c *Config) validateReplication() error {
	if !c.Replication.Enabled {
		return nil
	}
	if c.Replication.Slot == "" {
		return errors.New("replication.slot must be set when replication is enabled")
	}
	if len(c.Replication.Tables) == 0 {
		return errors.New("replication.tables must list at least one table")
	}
	if c.Replication.MaxRecordAttempts < 0 {
		return errors.New("replication.max_record_attempts must not be negative")
	}
	if c.Replication.StandbyTimeoutSeconds <= 0 {
		return errors.New("replication.standby_timeout_seconds must be positive")
	}
	if c.Replication.ReconnectMaxMS < c.Replication.ReconnectInitialMS {
		return errors.New("replication.reconnect_max_ms must be at least replication.reconnect_initial_ms")
	}
	return nil
}

func (c *Config) validateBus() error {
	if !c.Bus.Enabled {
		return nil
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when the bus is enabled (or set %s)", envBusURL)
	}
	if c.Bus.Stream == "" {
		return errors.New("bus.stream must be set")
	}
	if c.Bus.Durable == "" {
		return errors.New("bus.durable must be set")
	}
	if c.Bus.FetchBatch <= 0 {
		return errors.New("bus.fetch_batch must be positive")
	}
	if c.Bus.FetchWaitMS <= 0 {
		return errors.New("bus.fetch_wait_ms must be positive")
	}
	if c.Bus.MaxDeliver < -1 || c.Bus.MaxDeliver == 0 {
		return errors.New("bus.max_deliver must be positive or -1 for unlimited")
	}
	return nil
}

func (c *Config) validateProtocol() error {
	if c.Protocol.RequestTimeoutMS <= 0 {
		return errors.New("protocol.request_timeout_ms must be positive")
	}
	if c.Protocol.CallbackAddress != "" {
		if err := validateURL(c.Protocol.CallbackAddress); err != nil {
			return fmt.Errorf("protocol.callback_address: %w", err)
		}
	}
	if c.DataPlane.Endpoint != "" {
		if err := validateURL(c.DataPlane.Endpoint); err != nil {
			return fmt.Errorf("dataplane.endpoint: %w", err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text", "console":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
