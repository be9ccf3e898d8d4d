package listeners

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusingest/hooks"
)

// DropCounterListener aggregates OnMessageDropped events per stage and reason
// and logs a summary at most once per interval.
type DropCounterListener struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	counts  map[string]int64
	pending map[string]int64
	lastLog time.Time
}

func NewDropCounterListener(interval time.Duration, logger *slog.Logger) *DropCounterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DropCounterListener{
		logger:   logger.With("component", "DropCounterListener"),
		interval: interval,
		now:      time.Now,
		counts:   make(map[string]int64),
		pending:  make(map[string]int64),
	}
}

func (l *DropCounterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.MessageDroppedPayload)
	if !ok {
		return nil
	}
	key := payload.Stage + "/" + payload.Reason

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key] += int64(payload.Count)
	l.pending[key] += int64(payload.Count)

	now := l.now()
	if now.Sub(l.lastLog) < l.interval {
		return nil
	}
	l.lastLog = now
	for k, n := range l.pending {
		l.logger.Warn("Messages dropped", "stage_reason", k, "count", n, "total", l.counts[k])
		delete(l.pending, k)
	}
	return nil
}

// Total returns the number of dropped messages recorded for stage and reason.
func (l *DropCounterListener) Total(stage, reason string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[stage+"/"+reason]
}

func (l *DropCounterListener) Priority() int { return 200 }
func (l *DropCounterListener) IsAsync() bool { return false }
