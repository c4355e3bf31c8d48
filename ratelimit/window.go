package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the trailing interval requests are counted over.
const DefaultWindow = time.Minute

// Limiter admits or rejects a request for a client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) bool
}

// Window is an in-memory sliding window counter keyed by client id.
type Window struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string][]time.Time
	now     func() time.Time
	logger  *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Window)

// WithWindow overrides the one minute window.
func WithWindow(d time.Duration) Option {
	return func(w *Window) { w.window = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Window) { w.logger = logger }
}

// NewWindow creates a limiter admitting at most limit requests per client
// within the window.
func NewWindow(limit int, opts ...Option) *Window {
	w := &Window{
		limit:   limit,
		window:  DefaultWindow,
		clients: make(map[string][]time.Time),
		now:     time.Now,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "ratelimit"))
	return w
}

// Allow prunes the client's history and records the request when it fits.
// A rejected request is not recorded.
func (w *Window) Allow(_ context.Context, clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Read under the lock so each client's stamps stay sorted.
	now := w.now()

	stamps := w.prune(w.clients[clientID], now)
	if len(stamps) >= w.limit {
		w.clients[clientID] = stamps
		rejectionsTotal.WithLabelValues("memory").Inc()
		return false
	}
	w.clients[clientID] = append(stamps, now)
	return true
}

// IsRateLimited is the negation of Allow.
func (w *Window) IsRateLimited(clientID string) bool {
	return !w.Allow(context.Background(), clientID)
}

// Sweep prunes every client and drops the ones left empty. It returns the
// number of clients removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()

	removed := 0
	for id, stamps := range w.clients {
		stamps = w.prune(stamps, now)
		if len(stamps) == 0 {
			delete(w.clients, id)
			removed++
			continue
		}
		w.clients[id] = stamps
	}
	trackedClients.Set(float64(len(w.clients)))
	return removed
}

// Len returns the number of tracked clients.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// Start runs Sweep every interval until ctx is done or Stop is called.
func (w *Window) Start(ctx context.Context, interval time.Duration) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		w.logger.Info("Sliding window sweep started",
			slog.Int("limit", w.limit),
			slog.String("interval", interval.String()),
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				if n := w.Sweep(); n > 0 {
					w.logger.Debug("Evicted idle clients", slog.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the sweep loop started by Start and waits for it.
func (w *Window) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// prune drops timestamps older than the window. Timestamps are appended in
// order so the survivors are a suffix.
func (w *Window) prune(stamps []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= w.window {
		i++
	}
	if i == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-i)
	copy(kept, stamps[i:])
	return kept
}
