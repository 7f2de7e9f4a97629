// Package logger builds the logrus logger used by the service and commands.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config selects level, format and an optional log file.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// New returns a logger writing to stderr and, when configured, appending to cfg.File.
// The returned closer releases the file.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file
	}
	log.SetOutput(io.MultiWriter(writers...))
	return log, closer, nil
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
