package bingx

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

// listenKeyRefresh leaves headroom under the 60-minute key lifetime
const listenKeyRefresh = 25 * time.Minute

var errListenKeyExpired = errors.New("listen key expired")

// UserStream is the authenticated private stream for one user. BingX uses a
// Binance-style listen key carried as a query parameter, with gzip payloads
// like the market stream.
type UserStream struct {
	rest *RestClient

	mu        sync.Mutex
	mgr       *wsconn.Manager
	listenKey string

	orders   exchange.OrderHandler
	balances exchange.BalanceHandler
	errh     exchange.ErrorHandler

	cancel context.CancelFunc
}

// NewUserStream builds a private stream from decrypted credentials
func NewUserStream(creds exchange.Credentials) *UserStream {
	return &UserStream{rest: NewRestClient(creds)}
}

// ID returns the exchange identifier
func (s *UserStream) ID() exchange.ID { return exchange.BingX }

// Connect creates a listen key, opens the stream and starts the refresh loop
func (s *UserStream) Connect(ctx context.Context) error {
	key, err := s.rest.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	mgr := wsconn.NewManager(wsconn.Config{
		Name:            "bingx-userdata",
		URL:             marketWSURL + "?listenKey=" + key,
		Codec:           pingCodec{},
		AutoResubscribe: false, // the listen key in the URL carries the subscription
	})
	mgr.OnMessage(s.handleMessage)

	if err := mgr.Connect(ctx); err != nil {
		cancel()
		s.rest.DeleteListenKey(context.Background(), key)
		return err
	}

	s.mu.Lock()
	s.mgr = mgr
	s.listenKey = key
	s.cancel = cancel
	s.mu.Unlock()

	go s.refreshLoop(ctx, key)
	return nil
}

// Disconnect closes the stream and deletes the listen key
func (s *UserStream) Disconnect() error {
	s.mu.Lock()
	mgr := s.mgr
	key := s.listenKey
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mgr != nil {
		mgr.Disconnect()
	}

	if key != "" {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.rest.DeleteListenKey(ctx, key); err != nil {
			log.Warn().Err(err).Msg("BingX listen key delete failed")
		}
	}
	return nil
}

// SetOrderHandler registers the order-update callback
func (s *UserStream) SetOrderHandler(h exchange.OrderHandler) { s.orders = h }

// SetBalanceHandler registers the balance-update callback
func (s *UserStream) SetBalanceHandler(h exchange.BalanceHandler) { s.balances = h }

// SetErrorHandler registers the error callback
func (s *UserStream) SetErrorHandler(h exchange.ErrorHandler) { s.errh = h }

// IsConnected reports whether the stream is connected
func (s *UserStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr != nil && s.mgr.IsConnected()
}

func (s *UserStream) refreshLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rest.KeepAliveListenKey(ctx, key); err != nil {
				log.Warn().Err(err).Msg("BingX listen key refresh failed")
				if s.errh != nil {
					s.errh(err)
				}
			}
		}
	}
}

func (s *UserStream) handleMessage(msg []byte) {
	plain := inflate(msg)

	if bytes.Equal(plain, []byte("Ping")) {
		s.mu.Lock()
		mgr := s.mgr
		s.mu.Unlock()
		if mgr != nil {
			if err := mgr.Send([]byte("Pong")); err != nil {
				log.Warn().Err(err).Msg("BingX pong reply failed")
			}
		}
		return
	}

	var event wsUserEvent
	if err := jsonFast.Unmarshal(plain, &event); err != nil {
		return
	}

	switch event.Event {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(&event)
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(&event)
	case "listenKeyExpired":
		log.Warn().Msg("BingX listen key expired mid-stream")
		if s.errh != nil {
			s.errh(&exchange.ConnectionError{Exchange: exchange.BingX,
				Err: errListenKeyExpired})
		}
	}
}

func (s *UserStream) handleOrderUpdate(event *wsUserEvent) {
	var od wsOrderUpdate
	if err := jsonFast.Unmarshal(event.Order, &od); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed BingX order update")
		return
	}

	symbol, err := exchange.FromVenue(exchange.BingX, od.Symbol)
	if err != nil {
		return
	}
	if s.orders != nil {
		s.orders(&exchange.OrderUpdate{
			Exchange:      exchange.BingX,
			Symbol:        symbol,
			OrderID:       strconv.FormatInt(od.OrderID, 10),
			ClientOrderID: od.ClientID,
			Status:        mapOrderStatus(od.Status),
			Side:          exchange.Side(od.Side),
			PositionSide:  exchange.PositionSide(od.PositionSide),
			Type:          exchange.OrderType(od.Type),
			AvgPrice:      parseDecimal(od.AvgPrice),
			FilledQty:     parseDecimal(od.FilledQty),
			StopPrice:     parseDecimal(od.StopPrice),
			RealizedPnl:   parseDecimal(od.RealizedPnl),
			UpdateTime:    time.UnixMilli(event.Time).UTC(),
		})
	}
}

func (s *UserStream) handleAccountUpdate(event *wsUserEvent) {
	var acct wsAccountUpdate
	if err := jsonFast.Unmarshal(event.Acct, &acct); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed BingX account update")
		return
	}

	reason := mapBalanceReason(acct.Reason)
	receivedAt := time.UnixMilli(event.Time).UTC()
	for _, b := range acct.Balances {
		if s.balances != nil {
			s.balances(&exchange.BalanceUpdate{
				Exchange:   exchange.BingX,
				Asset:      b.Asset,
				Wallet:     parseDecimal(b.Wallet),
				Change:     parseDecimal(b.Change),
				Reason:     reason,
				ReceivedAt: receivedAt,
			})
		}
	}
}

func mapBalanceReason(m string) exchange.BalanceReason {
	switch m {
	case "DEPOSIT":
		return exchange.ReasonDeposit
	case "WITHDRAW":
		return exchange.ReasonWithdrawal
	case "ORDER", "TRADE":
		return exchange.ReasonTrade
	case "FUNDING_FEE":
		return exchange.ReasonFunding
	}
	return exchange.ReasonUnknown
}
