package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/presencegate/internal/monitor"
)

const (
	defaultRecorderBuffer = 256
	appendTimeout         = 5 * time.Second
)

// Source publishes transitions. *monitor.Manager satisfies it.
type Source interface {
	Subscribe(fn func(monitor.Transition)) (unsubscribe func())
}

// Recorder copies transitions from a [Source] into a [Store] on a background
// goroutine. Transitions that arrive while the queue is full are dropped and
// logged.
type Recorder struct {
	store Store
	queue chan Entry
	unsub func()

	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder subscribes to src and starts the append worker. buffer is the
// queue length; zero selects a default.
func NewRecorder(src Source, store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		store: store,
		queue: make(chan Entry, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	r.unsub = src.Subscribe(r.record)
	return r
}

func (r *Recorder) record(t monitor.Transition) {
	select {
	case r.queue <- FromTransition(t):
	default:
		slog.Warn("journal queue full, dropping transition", "kind", t.Kind, "session_id", t.SessionID, "to", t.To)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := r.store.Append(ctx, e); err != nil {
			slog.Warn("journal append failed", "kind", e.Kind, "session_id", e.SessionID, "err", err)
		}
		cancel()
	}
}

// Close unsubscribes and waits until queued entries are written or ctx is
// done.
func (r *Recorder) Close(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.unsub()
		close(r.queue)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
