// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/config"
)

// Setup applies level and format from cfg to the standard logrus logger.
func Setup(cfg config.LoggingConfig) error {
	return configure(log.StandardLogger(), cfg, os.Stderr)
}

func configure(logger *log.Logger, cfg config.LoggingConfig, out io.Writer) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(lvl)
	logger.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "", "text", "console":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}

// Redact returns a loggable stand-in for an opaque secret such as an access
// token or delta cursor.
func Redact(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	return fmt.Sprintf("<%d bytes>", len(secret))
}
