package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/witroch4/chatwit/internal/config"
)

// Init configures the global zerolog logger. Logging falls back to stdout when the log file cannot be opened.
func Init(cfg config.LoggingConfig) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(Level(cfg.Level))

	out, err := output(cfg)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if err != nil {
		log.Error().Err(err).Msg("failed to open log file, logging to stdout")
	}

	return err
}

// Level parses a configured level name, defaulting to info
func Level(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func output(cfg config.LoggingConfig) (io.Writer, error) {
	if cfg.Output == "file" && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return os.Stdout, fmt.Errorf("unable to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return os.Stdout, err
		}
		return file, nil
	}

	if cfg.Format == "text" {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, nil
	}

	return os.Stdout, nil
}
