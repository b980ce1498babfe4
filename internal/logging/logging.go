package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. Format "json" writes raw JSON lines,
// anything else uses the console writer.
func Setup(level, format string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Debug().Str("level", lvl.String()).Msg("log level configured")
}

// LeveledLogger adapts a zerolog logger to the key/value logger interface
// used by go-retryablehttp.
type LeveledLogger struct {
	l zerolog.Logger
}

func Leveled(l zerolog.Logger) *LeveledLogger {
	return &LeveledLogger{l: l}
}

func (z *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	z.l.Error().Fields(keysAndValues).Msg(msg)
}

func (z *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Info().Fields(keysAndValues).Msg(msg)
}

// Debug is where retryablehttp reports every request; keep it at trace.
func (z *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.l.Trace().Fields(keysAndValues).Msg(msg)
}

func (z *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.l.Warn().Fields(keysAndValues).Msg(msg)
}
