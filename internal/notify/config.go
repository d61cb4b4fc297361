package notify

import (
	"errors"
	"time"

	"github.com/xtgz/chai/internal/config"
)

const (
	defaultTopic        = "chai.load-history"
	defaultWriteTimeout = 10 * time.Second
)

// ErrTopicEmpty is returned when notifications are enabled without a topic.
var ErrTopicEmpty = errors.New("kafka topic cannot be empty")

// Config holds the Kafka settings of the load-completed publisher.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadConfig reads KAFKA_BROKERS, KAFKA_TOPIC and KAFKA_WRITE_TIMEOUT.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks an enabled configuration.
func (c *Config) Validate() error {
	if c.Enabled() && c.Topic == "" {
		return ErrTopicEmpty
	}

	return nil
}
