package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log = zerolog.Nop()

// Init initializes the global logger with the specified level.
// Valid levels: debug, info, warn, error
func Init(level string) {
	InitWriter(os.Stdout, level, false)
}

// InitWriter is Init with an explicit destination. Pretty selects the
// human-readable console format, used by the interactive CLI.
func InitWriter(w io.Writer, level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	Log = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Module returns a logger with a module field for scoped logging.
func Module(name string) zerolog.Logger {
	return Log.With().Str("module", name).Logger()
}
