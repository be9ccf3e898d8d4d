package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusingest/hooks"
)

// JournalUsageAlerterListener warns once when journal utilization crosses the
// threshold and logs again when it falls back below it.
type JournalUsageAlerterListener struct {
	logger    *slog.Logger
	threshold float64

	mu      sync.Mutex
	alerted bool
}

func NewJournalUsageAlerterListener(threshold float64, logger *slog.Logger) *JournalUsageAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}
	return &JournalUsageAlerterListener{
		logger:    logger.With("component", "JournalUsageAlerterListener"),
		threshold: threshold,
	}
}

func (l *JournalUsageAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnJournalUsage {
		return nil
	}
	payload, ok := event.Payload().(hooks.JournalUsagePayload)
	if !ok {
		l.logger.Error("Received OnJournalUsage event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	ratio := payload.Ratio()
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case ratio >= l.threshold && !l.alerted:
		l.alerted = true
		l.logger.Warn("Journal utilization is too high. The system may be unable to keep up with the incoming message rate.",
			"dir", payload.Dir,
			"utilization", fmt.Sprintf("%.1f%%", ratio*100),
			"size_bytes", payload.SizeBytes,
			"max_bytes", payload.MaxBytes,
			"uncommitted", payload.Uncommitted,
		)
	case ratio < l.threshold && l.alerted:
		l.alerted = false
		l.logger.Info("Journal utilization is back to normal", "utilization", fmt.Sprintf("%.1f%%", ratio*100))
	}
	return nil
}

// Alerting reports whether the listener is currently in the alerted state.
func (l *JournalUsageAlerterListener) Alerting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alerted
}

func (l *JournalUsageAlerterListener) Priority() int { return 100 }

// IsAsync is false so state transitions are observed in event order.
func (l *JournalUsageAlerterListener) IsAsync() bool { return false }
