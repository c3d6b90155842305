package unifiedllm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LoggingStreamMiddleware logs stream opens, failures and the final usage
// of every streamed response. Events are relayed unchanged.
func LoggingStreamMiddleware(logger zerolog.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		start := time.Now()
		log := logger.With().Str("provider", req.Provider).Str("model", req.Model).Logger()

		upstream, err := next(ctx, req)
		if err != nil {
			log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("stream open failed")
			return nil, err
		}
		log.Debug().Int("messages", len(req.Messages)).Int("tools", len(req.ToolDefs)).Msg("stream opened")

		out := make(chan StreamEvent, cap(upstream))
		go func() {
			defer close(out)
			for ev := range upstream {
				switch ev.Type {
				case StreamError:
					log.Warn().Err(ev.Error).Dur("duration", time.Since(start)).Msg("stream failed")
				case MessageStop:
					if ev.Response != nil {
						log.Debug().
							Str("finish", ev.Response.FinishReason.Reason).
							Int("input_tokens", ev.Response.Usage.InputTokens).
							Int("output_tokens", ev.Response.Usage.OutputTokens).
							Int("tool_calls", len(ev.Response.ToolCalls())).
							Dur("duration", time.Since(start)).
							Msg("stream complete")
					}
				}
				if !send(ctx, out, ev) {
					// Drain so the producer is never left blocked.
					for range upstream {
					}
					return
				}
			}
		}()
		return out, nil
	}
}
