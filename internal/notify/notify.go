package notify

import (
	"context"
	"fmt"

	"pveassist/internal/domain"
	"pveassist/internal/eventqueue"
	"pveassist/internal/events"
)

// LogFlush returns the queue flush callback that records every flushed
// architect event as an architect.notification row.
func LogFlush(w events.Writer) eventqueue.FlushFunc {
	return func(ctx context.Context, ev domain.ArchitectEvent) error {
		if err := w.AppendNotification(ctx, ev); err != nil {
			return fmt.Errorf("record notification %s: %w", ev.ID, err)
		}
		return nil
	}
}
