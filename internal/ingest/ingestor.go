package ingest

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
	"arbiter/internal/pricestore"
)

// FeedState is the connection state of one venue feed.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateStreaming    FeedState = "streaming"
	StatePolling      FeedState = "polling"
	StateReconnecting FeedState = "reconnecting"
)

// Config holds the ingestion tunables.
type Config struct {
	ReconnectDelay           time.Duration
	HealthInterval           time.Duration
	MaxUpdateAge             time.Duration
	SignificantChangePercent float64
	BroadcastInterval        time.Duration
	PollInterval             time.Duration
}

// Ingestor keeps the price store fresh, one feed task per venue. Streaming
// adapters get a supervised stream with reconnect-after-delay; the rest are
// polled. A health watchdog force-reconnects feeds whose last accepted update
// is too old, even if the socket still reports itself open.
type Ingestor struct {
	logger   *slog.Logger
	cfg      Config
	store    *pricestore.Store
	adapters map[string]exchange.ExchangeAdapter

	recompute chan struct{}

	mu            sync.Mutex
	states        map[string]FeedState
	cancels       map[string]context.CancelFunc
	feedStarted   map[string]time.Time
	lastBroadcast time.Time
}

// New creates an Ingestor over the given adapters.
func New(logger *slog.Logger, cfg Config, store *pricestore.Store, adapters map[string]exchange.ExchangeAdapter) *Ingestor {
	return &Ingestor{
		logger:      logger.With("component", "ingest"),
		cfg:         cfg,
		store:       store,
		adapters:    adapters,
		recompute:   make(chan struct{}, 1),
		states:      make(map[string]FeedState),
		cancels:     make(map[string]context.CancelFunc),
		feedStarted: make(map[string]time.Time),
	}
}

// Recompute delivers at most one signal per broadcast interval when prices
// changed significantly. The detector ticks on it.
func (i *Ingestor) Recompute() <-chan struct{} {
	return i.recompute
}

// FeedStates returns a copy of the current per-venue connection states.
func (i *Ingestor) FeedStates() map[string]FeedState {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]FeedState, len(i.states))
	for v, s := range i.states {
		out[v] = s
	}
	return out
}

// Run starts one feed task per venue plus the health watchdog and blocks
// until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for venue, adapter := range i.adapters {
		g.Go(func() error {
			return i.runFeed(ctx, venue, adapter)
		})
	}
	g.Go(func() error {
		return i.runWatchdog(ctx)
	})
	return g.Wait()
}

func (i *Ingestor) setState(venue string, s FeedState) {
	i.mu.Lock()
	i.states[venue] = s
	i.mu.Unlock()
}

// runFeed is the per-venue connection state machine: Connecting -> Streaming
// (or Polling) -> on error Reconnecting after a fixed delay -> Connecting.
func (i *Ingestor) runFeed(ctx context.Context, venue string, adapter exchange.ExchangeAdapter) error {
	i.setState(venue, StateDisconnected)
	streamer, canStream := adapter.(exchange.Streamer)

	for {
		if ctx.Err() != nil {
			i.setState(venue, StateDisconnected)
			return nil
		}
		i.setState(venue, StateConnecting)

		// The attempt context lets the watchdog force this connection down.
		attemptCtx, cancel := context.WithCancel(ctx)
		i.mu.Lock()
		i.cancels[venue] = cancel
		i.feedStarted[venue] = time.Now()
		i.mu.Unlock()

		var err error
		if canStream {
			err = i.runStream(attemptCtx, venue, adapter, streamer)
		} else {
			err = i.runPoll(attemptCtx, venue, adapter)
		}
		cancel()

		if ctx.Err() != nil {
			i.setState(venue, StateDisconnected)
			return nil
		}

		i.setState(venue, StateReconnecting)
		i.logger.Warn("feed down, reconnecting",
			"venue", venue, "error", err, "delay", i.cfg.ReconnectDelay)
		metrics.FeedReconnects.WithLabelValues(venue, "error").Inc()

		select {
		case <-ctx.Done():
			i.setState(venue, StateDisconnected)
			return nil
		case <-time.After(i.cfg.ReconnectDelay):
		}
	}
}

// runStream consumes one stream connection until it dies.
func (i *Ingestor) runStream(ctx context.Context, venue string, adapter exchange.ExchangeAdapter, streamer exchange.Streamer) error {
	symbols := make([]string, 0, len(adapter.Profile().Pairs))
	for _, p := range adapter.Profile().Pairs {
		symbols = append(symbols, p.Symbol())
	}

	updates := make(chan exchange.PriceUpdate, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- streamer.Stream(ctx, symbols, updates)
	}()

	i.setState(venue, StateStreaming)
	for {
		select {
		case <-ctx.Done():
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case u := <-updates:
			i.apply(u)
		}
	}
}

// runPoll fetches quotes on a fixed interval for adapters without streaming.
func (i *Ingestor) runPoll(ctx context.Context, venue string, adapter exchange.ExchangeAdapter) error {
	i.setState(venue, StatePolling)
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range adapter.Profile().Pairs {
				symbol := p.Symbol()
				q, err := adapter.Quote(ctx, symbol)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					i.logger.Warn("poll failed", "venue", venue, "symbol", symbol, "error", err)
					continue
				}
				i.apply(exchange.PriceUpdate{
					Venue:      venue,
					Symbol:     symbol,
					Price:      q.Price,
					ObservedAt: q.AsOf,
				})
			}
		}
	}
}

// apply writes an update through the significance filter and signals
// recomputation, rate-limited to one signal per broadcast interval.
func (i *Ingestor) apply(u exchange.PriceUpdate) {
	if u.Price <= 0 {
		metrics.PriceUpdatesDropped.WithLabelValues(u.Venue).Inc()
		return
	}
	if prev, ok := i.store.Quote(u.Venue, u.Symbol); ok {
		change := math.Abs(u.Price-prev.Price) / prev.Price * 100
		if change < i.cfg.SignificantChangePercent {
			metrics.PriceUpdatesDropped.WithLabelValues(u.Venue).Inc()
			return
		}
	}
	accepted := i.store.Update(model.Quote{
		Venue:      u.Venue,
		Symbol:     u.Symbol,
		Price:      u.Price,
		ObservedAt: u.ObservedAt,
	})
	if !accepted {
		metrics.PriceUpdatesDropped.WithLabelValues(u.Venue).Inc()
		return
	}
	metrics.PriceUpdatesAccepted.WithLabelValues(u.Venue).Inc()

	i.mu.Lock()
	throttled := time.Since(i.lastBroadcast) < i.cfg.BroadcastInterval
	if !throttled {
		i.lastBroadcast = time.Now()
	}
	i.mu.Unlock()
	if throttled {
		return
	}
	select {
	case i.recompute <- struct{}{}:
	default:
	}
}

// runWatchdog force-reconnects venues whose last accepted update is older
// than the max update age. This catches silently-dead sockets that still
// report themselves open.
func (i *Ingestor) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			for venue := range i.adapters {
				last, ok := i.store.LastUpdate(venue)
				if !ok {
					// Never had an update: measure from when the current
					// connection attempt started.
					i.mu.Lock()
					last = i.feedStarted[venue]
					i.mu.Unlock()
					if last.IsZero() {
						continue
					}
				}
				if now.Sub(last) <= i.cfg.MaxUpdateAge {
					continue
				}
				i.mu.Lock()
				cancel := i.cancels[venue]
				i.mu.Unlock()
				if cancel != nil {
					i.logger.Warn("no fresh updates, forcing reconnect",
						"venue", venue, "last_update", last)
					metrics.FeedReconnects.WithLabelValues(venue, "watchdog").Inc()
					cancel()
				}
			}
		}
	}
}
