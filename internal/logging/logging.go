package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/config"
)

// Setup configures the global zerolog logger. When a log file is configured
// the output rotates hourly or daily and old files age out; console output
// can be kept alongside for local runs.
func Setup(cfg config.LoggingConfig) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if cfg.Console {
		if cfg.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	if cfg.File != "" {
		rotator, err := rotatelogs.New(
			cfg.File+".%Y%m%d%H",
			rotatelogs.WithLinkName(cfg.File),
			rotatelogs.WithMaxAge(time.Duration(cfg.MaxAge)*24*time.Hour),
			rotatelogs.WithRotationTime(time.Duration(cfg.Rotate)*time.Hour),
		)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, rotator)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	return nil
}
