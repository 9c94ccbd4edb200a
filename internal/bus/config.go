// Package bus adapts the event envelope layer onto Kafka: per-topic writers
// with partition-aware balancing, consumer-group readers, and dead-letter
// publication.
package bus

import (
	"errors"
	"time"

	"github.com/onex-io/substrate/internal/config"
)

const (
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultReadMinBytes = 1
	defaultReadMaxBytes = 10 * 1024 * 1024
	defaultMaxWait      = 500 * time.Millisecond
)

// ErrBrokersEmpty is returned when no Kafka brokers are configured.
var ErrBrokersEmpty = errors.New("kafka brokers cannot be empty")

// Config holds Kafka connection configuration.
type Config struct {
	Brokers       []string
	ClientID      string
	GroupIDPrefix string
	BatchTimeout  time.Duration
	WriteTimeout  time.Duration
	ReadMinBytes  int
	ReadMaxBytes  int
	MaxWait       time.Duration
}

// LoadConfig loads Kafka configuration from environment variables.
// KAFKA_BROKERS is required and has no default.
func LoadConfig() *Config {
	return &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		ClientID:      config.GetEnvStr("KAFKA_CLIENT_ID", "substrate"),
		GroupIDPrefix: config.GetEnvStr("KAFKA_GROUP_PREFIX", "substrate"),
		BatchTimeout:  config.GetEnvDuration("KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
		WriteTimeout:  config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
		ReadMinBytes:  config.GetEnvInt("KAFKA_READ_MIN_BYTES", defaultReadMinBytes),
		ReadMaxBytes:  config.GetEnvInt("KAFKA_READ_MAX_BYTES", defaultReadMaxBytes),
		MaxWait:       config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),
	}
}

// NewConfigForBrokers builds a config with defaults for known brokers. Used
// by tests.
func NewConfigForBrokers(brokers ...string) *Config {
	return &Config{
		Brokers:       brokers,
		ClientID:      "substrate",
		GroupIDPrefix: "substrate",
		BatchTimeout:  defaultBatchTimeout,
		WriteTimeout:  defaultWriteTimeout,
		ReadMinBytes:  defaultReadMinBytes,
		ReadMaxBytes:  defaultReadMaxBytes,
		MaxWait:       defaultMaxWait,
	}
}

// Validate checks if the Kafka configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrBrokersEmpty
	}

	return nil
}
