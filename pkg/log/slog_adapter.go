package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter creates a SlogAdapter that logs at Debug level.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy of the adapter logging at level.
func (a *SlogAdapter) WithLevel(level slog.Level) *SlogAdapter {
	return &SlogAdapter{logger: a.logger, level: level}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.Association != "" {
		attrs = append(attrs, slog.String("association", event.Association))
	}
	if event.Server != "" {
		attrs = append(attrs, slog.String("server", event.Server))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.ChannelType != "" {
		attrs = append(attrs, slog.String("channel", event.ChannelType))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Payload != nil:
		attrs = append(attrs,
			slog.Int("stream", event.Payload.Stream),
			slog.Uint64("ppid", uint64(event.Payload.PayloadProtocolID)),
			slog.Int("length", event.Payload.Length),
			slog.Bool("unordered", event.Payload.Unordered),
		)
		if event.Payload.Delay > 0 {
			attrs = append(attrs, slog.Duration("delay", event.Payload.Delay))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs, slog.String("ctrl_type", event.ControlMsg.Type.String()))
		if event.ControlMsg.Type == ControlMsgInit {
			attrs = append(attrs,
				slog.Int("in_streams", event.ControlMsg.InboundStreams),
				slog.Int("out_streams", event.ControlMsg.OutboundStreams),
			)
		}
	case event.Congestion != nil:
		attrs = append(attrs,
			slog.Int("old_level", event.Congestion.OldLevel),
			slog.Int("new_level", event.Congestion.NewLevel),
			slog.Duration("estimate", event.Congestion.Estimate),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), a.level, "association event", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
