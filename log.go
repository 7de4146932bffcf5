package amqp

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger tagged with app. An unparsable
// level falls back to info.
func NewLogger(app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

// debugFrame logs a frame at debug level. Transfer payloads are logged by
// size only.
func debugFrame(log zerolog.Logger, direction string, fr frame) {
	if e := log.Debug(); e.Enabled() {
		e.Str("dir", direction).
			Uint16("channel", fr.channel).
			Str("type", frameTypeName(fr.body)).
			Msgf("%v", fr.body)
	}
}
