package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so the rest of the service depends on the
// infra logging contract rather than the third-party module directly.
type Logger = zerolog.Logger

// NewLogger builds the process-wide logger. Development runs at debug level
// with the human-readable console writer; everything else emits JSON at info.
func NewLogger(appEnv string) Logger {
	out := io.Writer(os.Stdout)
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("env", appEnv).
		Logger()
}
