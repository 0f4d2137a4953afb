package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(level string) (logrus.Level, error) {
	switch level {
	case "debug", "info", "warn", "error":
		return logrus.ParseLevel(level)
	default:
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, level)
	}
}

// NewLogger builds the process logger writing to stderr.
//
// Parameters:
//   - level: debug, info, warn or error
//   - format: "text" or "json"
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalid, format)
	}
	return log, nil
}
