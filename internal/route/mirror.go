package route

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/presence"
)

// Writer is the subset of Store the mirror needs.
type Writer interface {
	SetRoute(ctx context.Context, identityKey string) error
	DelRoute(ctx context.Context, identityKey string) error
}

// Mirror applies presence changes to a route Writer on its own goroutine, in
// the order the hub committed them, and keeps live routes from expiring.
type Mirror struct {
	w       Writer
	log     *zap.Logger
	queue   chan presence.Record
	refresh time.Duration
	timeout time.Duration
}

// NewMirror creates a Mirror. refresh is how often live routes are re-set;
// pass about half the route TTL.
func NewMirror(w Writer, log *zap.Logger, buffer int, refresh time.Duration) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Mirror{
		w:       w,
		log:     log,
		queue:   make(chan presence.Record, buffer),
		refresh: refresh,
		timeout: 2 * time.Second,
	}
}

// Notify queues rec without blocking. When the queue is full the change is
// dropped; the periodic refresh repairs connected routes.
func (m *Mirror) Notify(rec presence.Record) {
	select {
	case m.queue <- rec:
	default:
		m.log.Warn("route mirror queue full; dropping change",
			zap.String("identity", rec.IdentityKey), zap.Bool("connected", rec.Connected))
	}
}

// Run applies queued changes until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	live := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-m.queue:
			if rec.Connected {
				live[rec.IdentityKey] = struct{}{}
				m.apply(ctx, rec.IdentityKey, m.w.SetRoute)
			} else {
				delete(live, rec.IdentityKey)
				m.apply(ctx, rec.IdentityKey, m.w.DelRoute)
			}
		case <-ticker.C:
			for key := range live {
				m.apply(ctx, key, m.w.SetRoute)
			}
		}
	}
}

func (m *Mirror) apply(ctx context.Context, identityKey string, op func(context.Context, string) error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := op(opCtx, identityKey); err != nil {
		m.log.Warn("route mirror write failed", zap.String("identity", identityKey), zap.Error(err))
	}
}
