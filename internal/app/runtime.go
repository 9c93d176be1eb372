// Package app assembles the process: it owns every singleton, the
// startup/shutdown ordering and nothing domain-specific.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/config"
	"fundingarb/internal/events"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/binance"
	"fundingarb/internal/exchange/bingx"
	"fundingarb/internal/exchange/gateio"
	"fundingarb/internal/exchange/mexc"
	"fundingarb/internal/exchange/okx"
	"fundingarb/internal/httpapi"
	"fundingarb/internal/keystore"
	"fundingarb/internal/limiter"
	"fundingarb/internal/loader"
	"fundingarb/internal/lock"
	"fundingarb/internal/metrics"
	"fundingarb/internal/monitor"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/position"
	"fundingarb/internal/publisher"
	"fundingarb/internal/rates"
	"fundingarb/internal/store"
	"fundingarb/internal/userstream"
)

// drainTimeout bounds graceful HTTP shutdown
const drainTimeout = 5 * time.Second

// Runtime owns every process singleton
type Runtime struct {
	cfg *config.Config

	db    *sql.DB
	redis *publisher.RedisPublisher

	bus     *events.Bus
	engine  *rates.Engine
	tracker *opportunity.Tracker
	keys    *keystore.Keystore

	credentials *store.CredentialRepo
	streams     *userstream.Manager

	coordinator *position.Coordinator
	monitor     *monitor.Monitor
	loader      *loader.RestLoader

	feeds map[exchange.ID]exchange.Feed

	api        *httpapi.Server
	metricsSrv *metrics.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an uninitialized runtime
func New(cfg *config.Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// clientFactories maps each venue to its client constructor
func clientFactories() map[exchange.ID]keystore.Factory {
	return map[exchange.ID]keystore.Factory{
		exchange.Binance: binance.NewClient,
		exchange.OKX:     okx.NewClient,
		exchange.GateIO:  gateio.NewClient,
		exchange.MEXC:    mexc.NewClient,
		exchange.BingX:   bingx.NewClient,
	}
}

// Init builds every component in dependency order. Fatal preconditions
// (database, redis, encryption key) abort here.
func (rt *Runtime) Init(ctx context.Context) error {
	db, err := store.Open(ctx, rt.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	rt.db = db
	if err := store.Migrate(ctx, db); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	rt.redis, err = publisher.NewRedisPublisher(rt.cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}

	cipher, err := keystore.NewCipher(rt.cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init keystore: %w", err)
	}

	positions := store.NewPositionRepo(db)
	trades := store.NewTradeRepo(db)
	opportunities := store.NewOpportunityRepo(db)
	rt.credentials = store.NewCredentialRepo(db)

	rt.keys = keystore.New(cipher, rt.credentials, clientFactories())
	rt.bus = events.NewBus()
	rt.streams = userstream.NewManager(rt.keys,
		func(userID string, ou *exchange.OrderUpdate) {
			log.Debug().
				Str("user_id", userID).
				Str("exchange", string(ou.Exchange)).
				Str("order_id", ou.OrderID).
				Str("status", string(ou.Status)).
				Msg("Order update")
			rt.bus.Orders.Publish(ou)
		},
		func(userID string, bu *exchange.BalanceUpdate) {
			log.Debug().
				Str("user_id", userID).
				Str("exchange", string(bu.Exchange)).
				Str("asset", bu.Asset).
				Str("reason", string(bu.Reason)).
				Msg("Balance update")
			rt.bus.Balances.Publish(bu)
		})
	rt.engine = rates.NewEngine(rt.cfg.MinProfitThreshold)
	rt.tracker = opportunity.NewTracker(opportunities, rt.cfg.SweepInterval)

	rt.feeds = map[exchange.ID]exchange.Feed{
		exchange.Binance: binance.NewFeed(),
		exchange.OKX:     okx.NewFeed(),
		exchange.GateIO:  gateio.NewFeed(),
		exchange.MEXC:    mexc.NewFeed(),
		exchange.BingX:   bingx.NewFeed(),
	}
	for _, feed := range rt.feeds {
		id := feed.ID()
		feed.SetFundingHandler(func(fr *exchange.FundingRate) {
			rt.bus.FundingRates.Publish(fr)
		})
		feed.SetErrorHandler(func(err error) {
			metrics.RecordConnectionError(string(id), "stream")
			log.Warn().Err(err).Str("exchange", string(id)).Msg("Feed error")
		})
	}

	traders := &keystoreTraders{keys: rt.keys}
	rateSource := &engineRates{engine: rt.engine, feeds: rt.feeds}
	locker := lock.NewRedisLocker(rt.redis.Client())

	rt.coordinator = position.NewCoordinator(positions, trades, traders, rateSource, locker)
	rt.monitor = monitor.New(positions, rt.coordinator, traders, rt.redis, rt.cfg.MonitorInterval)
	rt.loader = loader.NewRestLoader(rt.feeds, rt.cfg.Symbols, rt.cfg.RestPollInterval, func(fr *exchange.FundingRate) {
		rt.bus.FundingRates.Publish(fr)
	})

	rt.api = httpapi.NewServer(rt.cfg.HTTPAddr, httpapi.Deps{
		Engine:    rt.engine,
		Tracker:   rt.tracker,
		History:   opportunities,
		Positions: rt.coordinator,
		PosStore:  positions,
		Trades:    trades,
		Traders:   traders,
		Monitor:   rt.monitor,
		Feeds:     rt.feeds,
		Keys:      &credentialGateway{keys: rt.keys, streams: rt.streams},
		Limits:    limiter.NewSlidingWindow(httpapi.DefaultRules()),
	})
	rt.metricsSrv = metrics.NewServer(rt.cfg.MetricsAddr)

	return nil
}

// Run starts every background loop and blocks until ctx is canceled
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, rt.cancel = context.WithCancel(ctx)

	// funding fan-in: bus → engine → tracker
	frCh, frCancel := rt.bus.FundingRates.Subscribe(1024)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer frCancel()
		for {
			select {
			case <-ctx.Done():
				return
			case fr, ok := <-frCh:
				if !ok {
					return
				}
				rate, _ := fr.Rate.Float64()
				metrics.RecordFundingRate(string(fr.Exchange), fr.Symbol, string(fr.Source), rate)
				if best := rt.engine.Update(fr); best != nil {
					apy, _ := best.AnnualizedReturn.Float64()
					metrics.RecordSpread(best.Symbol, string(best.LongExchange), string(best.ShortExchange), apy)
				}
			}
		}
	}()

	// order updates: log, and treat a fired conditional as a scan hint so the
	// monitor reacts ahead of its next tick; the scan itself confirms via REST
	ordCh, ordCancel := rt.bus.Orders.Subscribe(256)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer ordCancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ou, ok := <-ordCh:
				if !ok {
					return
				}
				log.Info().
					Str("exchange", string(ou.Exchange)).
					Str("symbol", ou.Symbol).
					Str("order_id", ou.OrderID).
					Str("status", string(ou.Status)).
					Str("type", string(ou.Type)).
					Msg("Order status changed")
				if conditionalFired(ou) {
					rt.monitor.Scan(ctx)
				}
			}
		}
	}()

	balCh, balCancel := rt.bus.Balances.Subscribe(256)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer balCancel()
		for {
			select {
			case <-ctx.Done():
				return
			case bu, ok := <-balCh:
				if !ok {
					return
				}
				log.Info().
					Str("exchange", string(bu.Exchange)).
					Str("asset", bu.Asset).
					Str("reason", string(bu.Reason)).
					Str("change", bu.Change.String()).
					Msg("Balance changed")
			}
		}
	}()

	// bring up private streams for every user with stored credentials
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		users, err := rt.credentials.ListUsers(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Credential user listing failed")
			return
		}
		for _, userID := range users {
			if ctx.Err() != nil {
				return
			}
			rt.streams.EnsureUser(ctx, userID)
		}
	}()

	detCh, detCancel := rt.engine.Detections().Subscribe(256)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer detCancel()
		rt.tracker.Run(ctx, detCh)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.monitor.Run(ctx)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.loader.Run(ctx)
	}()

	for _, feed := range rt.feeds {
		feed := feed
		if err := feed.SubscribeMarkPrice(rt.cfg.Symbols...); err != nil {
			log.Warn().Err(err).Str("exchange", string(feed.ID())).Msg("Mark price subscribe failed")
		}
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := feed.Connect(ctx); err != nil {
				log.Error().Err(err).Str("exchange", string(feed.ID())).Msg("Feed connect failed")
			}
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for id, feed := range rt.feeds {
					metrics.RecordConnectionStatus(string(id), feed.IsConnected())
				}
			}
		}
	}()

	go func() {
		if err := rt.metricsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	go func() {
		if err := rt.api.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP API server stopped")
		}
	}()

	log.Info().
		Str("http", rt.cfg.HTTPAddr).
		Str("metrics", rt.cfg.MetricsAddr).
		Int("symbols", len(rt.cfg.Symbols)).
		Msg("Runtime started")

	<-ctx.Done()
	return nil
}

// Shutdown stops everything in reverse dependency order with a bounded drain
func (rt *Runtime) Shutdown() {
	log.Info().Msg("Shutting down")
	if rt.cancel != nil {
		rt.cancel()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rt.api.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP drain incomplete")
	}
	if err := rt.metricsSrv.Stop(); err != nil {
		log.Warn().Err(err).Msg("Metrics server stop failed")
	}

	rt.streams.Stop()
	for _, feed := range rt.feeds {
		if err := feed.Disconnect(); err != nil {
			log.Warn().Err(err).Str("exchange", string(feed.ID())).Msg("Feed disconnect failed")
		}
	}

	rt.wg.Wait()

	rt.bus.Close()
	rt.engine.Close()
	if err := rt.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Redis close failed")
	}
	if err := rt.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	log.Info().Msg("Shutdown complete")
}

// conditionalFired reports whether an order update means a venue-side SL/TP
// went off
func conditionalFired(ou *exchange.OrderUpdate) bool {
	if ou.Type != exchange.StopMarket && ou.Type != exchange.TakeProfitMarket {
		return false
	}
	return ou.Status == exchange.OrderTriggered || ou.Status == exchange.OrderFilled
}

// credentialGateway pairs keystore writes with the matching private-stream
// lifecycle: saving credentials (re)connects the venue stream, deleting them
// tears it down.
type credentialGateway struct {
	keys    *keystore.Keystore
	streams *userstream.Manager
}

func (g *credentialGateway) Save(ctx context.Context, userID string, ex exchange.ID, creds exchange.Credentials) error {
	if err := g.keys.Save(ctx, userID, ex, creds); err != nil {
		return err
	}
	g.streams.Refresh(ctx, userID, ex)
	return nil
}

func (g *credentialGateway) Delete(ctx context.Context, userID string, ex exchange.ID) error {
	if err := g.keys.Delete(ctx, userID, ex); err != nil {
		return err
	}
	g.streams.Drop(userID, ex)
	return nil
}

func (g *credentialGateway) Status(ctx context.Context, userID string) map[exchange.ID]string {
	return g.keys.Status(ctx, userID)
}

// keystoreTraders adapts the keystore to position.TraderSource
type keystoreTraders struct {
	keys *keystore.Keystore
}

func (t *keystoreTraders) Trader(ctx context.Context, userID string, ex exchange.ID) (exchange.Trader, error) {
	client, err := t.keys.Client(ctx, userID, ex)
	if err != nil {
		return nil, err
	}
	return client.Trader, nil
}

// engineRates serves funding snapshots from the engine's live table and
// falls back to a REST fetch for symbols not yet streamed.
type engineRates struct {
	engine *rates.Engine
	feeds  map[exchange.ID]exchange.Feed
}

func (s *engineRates) FundingRate(ctx context.Context, ex exchange.ID, symbol string) (*exchange.FundingRate, error) {
	if data := s.engine.Rate(symbol, ex); data != nil {
		return &exchange.FundingRate{
			Exchange:        ex,
			Symbol:          symbol,
			Rate:            data.Rate,
			MarkPrice:       data.MarkPrice,
			NextFundingTime: data.NextFundingTime,
			Interval:        data.Interval,
			ReceivedAt:      data.ReceivedAt,
			Source:          data.Source,
		}, nil
	}
	feed, ok := s.feeds[ex]
	if !ok {
		return nil, fmt.Errorf("no feed for exchange %s", ex)
	}
	return feed.FetchFundingRate(ctx, symbol)
}
