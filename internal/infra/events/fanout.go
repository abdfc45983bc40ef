package events

import (
	"context"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// Fanout delivers each event to every configured sink in order. Sinks are
// fire-and-forget, so one slow or broken sink cannot report back anyway;
// it merely must not panic the chain. Nil sinks are skipped, which lets
// callers wire optional sinks without branching.
type Fanout struct {
	sinks []port.EventSink
}

func NewFanout(sinks ...port.EventSink) *Fanout {
	out := make([]port.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

// Publish implements port.EventSink.
func (f *Fanout) Publish(ctx context.Context, userID string, event any) {
	for _, s := range f.sinks {
		s.Publish(ctx, userID, event)
	}
}
