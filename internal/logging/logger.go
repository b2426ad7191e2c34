// Package logging provides logging configuration for the go-daq project.
package logging

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Config holds logging configuration
type Config struct {
	Level  log.Level
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  log.InfoLevel,
		Output: os.Stderr,
	}
}

var (
	defaultLogger *log.Logger
	mu            sync.RWMutex
)

// New creates a configured logger
func New(config *Config) *log.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	logger := log.New()
	logger.SetLevel(config.Level)
	logger.SetOutput(output)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// Default returns the default logger, creating it if necessary
func Default() *log.Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}
