// Package logger - zerolog setup shared by the CLI and the HTTP server.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a configured level name onto a zerolog level.
//
// Arguments:
//   - level: One of debug, info, warn, error, fatal, panic, disabled (case-insensitive).
//
// Returns:
//   - zerolog.Level: The matching level.
//   - error: If the name is not recognized.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "FATAL":
		return zerolog.FatalLevel, nil
	case "PANIC":
		return zerolog.PanicLevel, nil
	case "DISABLED":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, errors.Errorf("incorrect log level %q", level)
	}
}

// Init configures the global zerolog logger.
//
// Terminal output gets the human readable console writer, anything else gets
// JSON lines so log collectors can parse them.
//
// Arguments:
//   - level: The level name, see ParseLevel.
//   - app: The application name attached to every record.
//   - out: Where records are written; nil means stderr.
//
// Returns:
//   - error: If the level is invalid.
func Init(level, app string, out io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if out == nil {
		out = os.Stderr
	}
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	log.Logger = ctx.Logger()
	log.Debug().Str("level", lvl.String()).Msg("logger initialized")
	return nil
}
