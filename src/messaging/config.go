package messaging

import (
	"testing"
	"time"

	"github.com/couriernet/courier/src/broker"
	"github.com/couriernet/courier/src/common"
	"github.com/sirupsen/logrus"
)

// timerFactory abstracts retry timers so tests can drive them without
// waiting on the wall clock.
type timerFactory func(time.Duration) <-chan time.Time

type Config struct {
	// Queue is this node's inbox address on the broker.
	Queue broker.Address `mapstructure:"queue"`

	// BootstrapTopic is the topic prefix received before general traffic.
	BootstrapTopic string `mapstructure:"bootstrap-topic"`

	// MaxRetries is the number of resend attempts after the initial send.
	MaxRetries int `mapstructure:"max-retries"`

	// RetryDelay is the interval between resend attempts.
	RetryDelay time.Duration `mapstructure:"retry-delay"`

	Logger *logrus.Logger

	timerFactory timerFactory
}

func NewConfig(queue broker.Address,
	bootstrapTopic string,
	maxRetries int,
	retryDelay time.Duration,
	logger *logrus.Logger) *Config {

	return &Config{
		Queue:          queue,
		BootstrapTopic: bootstrapTopic,
		MaxRetries:     maxRetries,
		RetryDelay:     retryDelay,
		Logger:         logger,
		timerFactory:   time.After,
	}
}

func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		Queue:          "node.inbox",
		BootstrapTopic: "directory",
		MaxRetries:     3,
		RetryDelay:     30 * time.Second,
		Logger:         logger,
		timerFactory:   time.After,
	}
}

func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	config.RetryDelay = 10 * time.Millisecond
	return config
}
