package config

import (
	"os"
	"strings"
)

func (c *Config) normalize() {
	c.normalizeDatabase()
	c.normalizeReplication()
	c.normalizeBus()
	c.normalizeProtocol()
	c.normalizeLogging()
}

func (c *Config) normalizeDatabase() {
	if value, ok := os.LookupEnv(envDatabaseURL); ok && strings.TrimSpace(value) != "" {
		c.Database.URL = value
	}
	c.Database.URL = strings.TrimSpace(c.Database.URL)
}

func (c *Config) normalizeReplication() {
	c.Replication.Slot = strings.TrimSpace(c.Replication.Slot)
	tables := c.Replication.Tables[:0]
	for _, table := range c.Replication.Tables {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		if !strings.Contains(table, ".") {
			table = "public." + table
		}
		tables = append(tables, table)
	}
	c.Replication.Tables = tables
}

func (c *Config) normalizeBus() {
	if value, ok := os.LookupEnv(envBusURL); ok && strings.TrimSpace(value) != "" {
		c.Bus.URL = value
	}
	c.Bus.URL = strings.TrimSpace(c.Bus.URL)
	c.Bus.Stream = strings.TrimSpace(c.Bus.Stream)
	c.Bus.Durable = strings.TrimSpace(c.Bus.Durable)
}

func (c *Config) normalizeProtocol() {
	c.Protocol.Name = strings.ToLower(strings.TrimSpace(c.Protocol.Name))
	if c.Protocol.Name == "" {
		c.Protocol.Name = defaultProtocolName
	}
	c.Protocol.CallbackAddress = strings.TrimRight(strings.TrimSpace(c.Protocol.CallbackAddress), "/")
	c.Protocol.ParticipantID = strings.TrimSpace(c.Protocol.ParticipantID)
	c.DataPlane.Endpoint = strings.TrimRight(strings.TrimSpace(c.DataPlane.Endpoint), "/")
	c.DataPlane.ID = strings.TrimSpace(c.DataPlane.ID)
	if c.DataPlane.ID == "" {
		c.DataPlane.ID = defaultDataPlaneID
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv(envLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}
