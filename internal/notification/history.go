package notification

import (
	"context"
	"time"

	"trading-dashboard/internal/ringbuf"
)

// HistoryEntry is one delivered alert with its send time.
type HistoryEntry struct {
	Alert
	TS time.Time `json:"ts"`
}

// History decorates a Notifier, retaining the most recent alerts so the
// dashboard can show what fired since startup.
type History struct {
	next Notifier
	ring *ringbuf.Ring[HistoryEntry]
}

// NewHistory wraps next with a bounded alert history.
func NewHistory(next Notifier, capacity int) *History {
	return &History{
		next: next,
		ring: ringbuf.New[HistoryEntry](capacity),
	}
}

func (h *History) Send(ctx context.Context, alert Alert) error {
	h.ring.Push(HistoryEntry{Alert: alert, TS: time.Now().UTC()})
	return h.next.Send(ctx, alert)
}

// Recent returns the retained alerts, newest last.
func (h *History) Recent() []HistoryEntry {
	return h.ring.Snapshot()
}
