package logging

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogCloudRequest logs an outgoing cloud request with structured fields.
func LogCloudRequest(endpoint string, tagUID []byte, payloadSize int) {
	log.Debug().
		Str("event", "cloud_request").
		Str("endpoint", endpoint).
		Str("tag_uid", hex.EncodeToString(tagUID)).
		Int("payload_size", payloadSize).
		Msg("sending cloud request")
}

// LogCloudResponse logs a completed cloud round-trip with structured fields.
func LogCloudResponse(endpoint string, durationMillis int64, err error) {
	if err != nil {
		log.Warn().
			Str("event", "cloud_response").
			Str("endpoint", endpoint).
			Int64("duration_ms", durationMillis).
			Err(err).
			Msg("cloud request failed")

		return
	}

	log.Debug().
		Str("event", "cloud_response").
		Str("endpoint", endpoint).
		Int64("duration_ms", durationMillis).
		Msg("cloud response received")
}

// LogStateTransition logs a state machine transition with structured fields.
func LogStateTransition(machine, from, to string) {
	log.Info().
		Str("event", "state_transition").
		Str("machine", machine).
		Str("from", from).
		Str("to", to).
		Msg("state changed")
}
