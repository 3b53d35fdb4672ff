// Package logger builds the zerolog loggers handed to the device controller
// and plan runner.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, destination and encoding.
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	Format     string `json:"format" yaml:"format"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
}

// DefaultConfig reads LOG_LEVEL, DEBUG, LOG_OUTPUT, LOG_FORMAT and
// LOG_TIME_FORMAT. Logs go to stderr so stdout stays free for results.
func DefaultConfig() Config {
	return Config{
		Level:      getEnvOrDefault("LOG_LEVEL", "info"),
		Debug:      getEnvBoolOrDefault("DEBUG", false),
		Output:     getEnvOrDefault("LOG_OUTPUT", "stderr"),
		Format:     getEnvOrDefault("LOG_FORMAT", "console"),
		TimeFormat: getEnvOrDefault("LOG_TIME_FORMAT", ""),
	}
}

// New creates a logger from config.
func New(config Config) (zerolog.Logger, error) {
	var output io.Writer
	switch config.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log output %q", config.Output)
	}

	return NewWithWriter(config, output)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(config Config, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return zerolog.Nop(), err
		}
	}

	timeFormat := time.RFC3339
	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	switch config.Format {
	case "", "json":
		zerolog.TimeFieldFormat = timeFormat
	case "console":
		w = zerolog.ConsoleWriter{Out: w, NoColor: config.NoColor, TimeFormat: timeFormat}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", config.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// WithComponent returns a child logger tagged with component.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// NewTestLogger creates a logger that discards all output.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	value = strings.ToLower(value)
	return value == "true" || value == "1" || value == "yes" || value == "on"
}
