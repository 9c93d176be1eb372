// Package loader runs the REST-side funding-rate sweep: a periodic full
// fetch per venue that backfills what the WebSocket streams miss and seeds
// settlement intervals at startup.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/metrics"
)

// Sink receives every swept funding rate; wired to the event bus
type Sink func(fr *exchange.FundingRate)

// RestLoader polls all venues' funding rates over REST
type RestLoader struct {
	feeds    map[exchange.ID]exchange.Feed
	interval time.Duration
	sink     Sink

	// symbols filters the sweep; empty means everything the venue lists
	symbols map[string]struct{}

	mu        sync.RWMutex
	lastSweep time.Time
	lastCount map[exchange.ID]int
}

// NewRestLoader creates a loader sweeping the given symbols on interval
func NewRestLoader(feeds map[exchange.ID]exchange.Feed, symbols []string, interval time.Duration, sink Sink) *RestLoader {
	if interval <= 0 {
		interval = time.Minute
	}
	filter := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		filter[s] = struct{}{}
	}
	return &RestLoader{
		feeds:     feeds,
		interval:  interval,
		sink:      sink,
		symbols:   filter,
		lastCount: make(map[exchange.ID]int),
	}
}

// LoadAll sweeps every venue once, in parallel. Per-venue failures are
// logged and skipped; the sweep succeeds with whatever venues answered.
func (l *RestLoader) LoadAll(ctx context.Context) {
	start := time.Now()
	var wg sync.WaitGroup
	for _, feed := range l.feeds {
		wg.Add(1)
		go func(f exchange.Feed) {
			defer wg.Done()
			l.sweepVenue(ctx, f)
		}(feed)
	}
	wg.Wait()

	l.mu.Lock()
	l.lastSweep = time.Now().UTC()
	l.mu.Unlock()

	log.Info().
		Dur("duration", time.Since(start)).
		Int("venues", len(l.feeds)).
		Msg("REST funding sweep complete")
}

func (l *RestLoader) sweepVenue(ctx context.Context, feed exchange.Feed) {
	id := feed.ID()
	timer := metrics.NewTimer()

	all, err := feed.FetchFundingRates(ctx)
	timer.ObserveDuration(metrics.RestFetchDuration, string(id), "funding_rates")
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(string(id), "funding_rates").Inc()
		log.Warn().Err(err).Str("exchange", string(id)).Msg("Funding sweep fetch failed")
		return
	}

	emitted := 0
	for i := range all {
		fr := &all[i]
		if len(l.symbols) > 0 {
			if _, ok := l.symbols[fr.Symbol]; !ok {
				continue
			}
		}
		if l.sink != nil {
			l.sink(fr)
		}
		emitted++
	}

	l.mu.Lock()
	l.lastCount[id] = emitted
	l.mu.Unlock()

	log.Debug().
		Str("exchange", string(id)).
		Int("rates", emitted).
		Msg("Funding sweep venue done")
}

// Run sweeps immediately and then on the configured cadence
func (l *RestLoader) Run(ctx context.Context) {
	log.Info().Dur("interval", l.interval).Msg("REST funding sweep started")
	l.LoadAll(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.LoadAll(ctx)
		}
	}
}

// LastSweep reports when the last full sweep finished and the per-venue
// emitted counts, for the health endpoint.
func (l *RestLoader) LastSweep() (time.Time, map[exchange.ID]int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[exchange.ID]int, len(l.lastCount))
	for k, v := range l.lastCount {
		counts[k] = v
	}
	return l.lastSweep, counts
}
