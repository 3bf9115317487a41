package intake

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/queue"
)

// MLLPHandler queues every framed message and acknowledges it with AA, or
// AE when it could not be queued.
func MLLPHandler(store queue.Store, logger zerolog.Logger) hl7v2.MessageHandler {
	return func(ctx context.Context, raw []byte, msg *hl7v2.Message) *hl7v2.Message {
		text := strings.TrimSpace(hl7v2.NormalizeLineEndings(string(raw)))
		queued, err := store.Enqueue(ctx, text, msg.SendingApplication())
		if err != nil {
			logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("enqueue lab message from MLLP")
			return hl7v2.GenerateACK(msg, "AE", "message could not be queued")
		}
		logger.Info().Str("message_id", queued.ID.String()).Str("control_id", msg.ControlID).Str("sender", queued.Source).Msg("lab message queued")
		return hl7v2.GenerateACK(msg, "AA", "")
	}
}
