package forwarder

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogObserver renders events through zerolog
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver returns an observer writing to the global logger
func NewLogObserver() *LogObserver {
	return &LogObserver{logger: log.Logger}
}

// NewLogObserverWith returns an observer writing to logger
func NewLogObserverWith(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Observe(e Event) {
	l := o.logger
	switch e.Kind {
	case EventConnected:
		l.Info().Str("folder", e.Folder).Uint32("count", e.Count).Int("attempt", e.Attempt).
			Msg("Connected, watching folder")
	case EventConnectRetry:
		l.Warn().Err(e.Err).Str("folder", e.Folder).Int("attempt", e.Attempt).
			Msg("Connect attempt failed, retrying")
	case EventConnectFailed:
		l.Error().Err(e.Err).Str("folder", e.Folder).Int("attempt", e.Attempt).
			Msg("Connect retries exhausted, starting over")
	case EventDisconnected:
		l.Warn().Str("folder", e.Folder).Str("reason", e.Reason).Msg("Disconnected")
	case EventWaitOutcome:
		l.Debug().Str("folder", e.Folder).Stringer("outcome", e.Outcome).Uint32("count", e.Count).
			Msg("Wait finished")
	case EventRejected:
		l.Info().Uint32("count", e.Count).Str("field", e.Field).Str("value", e.Value).
			Msg("Message rejected by filter")
	case EventAbandoned:
		l.Warn().Err(e.Err).Uint32("count", e.Count).Msg("Message abandoned")
	case EventForwarded:
		l.Info().Uint32("count", e.Count).Str("recipient", e.Recipient).Int("attempt", e.Attempt).
			Dur("duration", e.Duration).Msg("Message forwarded")
	case EventForwardFailed:
		l.Error().Err(e.Err).Uint32("count", e.Count).Str("recipient", e.Recipient).Int("attempt", e.Attempt).
			Msg("Failed to forward message")
	case EventCycleError:
		l.Error().Err(e.Err).Str("folder", e.Folder).Msg("Watch cycle failed, reconnecting")
	}
}
