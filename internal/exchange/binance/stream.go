package binance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const (
	userStreamBaseURL = "wss://fstream.binance.com/ws/"

	// listenKeyRefresh leaves headroom under the 60-minute key lifetime
	listenKeyRefresh = 25 * time.Minute
)

var errListenKeyExpired = errors.New("listen key expired")

func formatOrderID(id int64) string { return strconv.FormatInt(id, 10) }

// UserStream is the authenticated private stream for one user
type UserStream struct {
	rest *RestClient

	mu  sync.Mutex
	mgr *wsconn.Manager

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
func (s *UserStream) ID() exchange.ID { return exchange.Binance }

// Connect creates a listen key, opens the stream and starts the refresh loop
func (s *UserStream) Connect(ctx context.Context) error {
	key, err := s.rest.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	mgr := wsconn.NewManager(wsconn.Config{
		Name:            "binance-userdata",
		URL:             userStreamBaseURL + key,
		AutoResubscribe: false, // the listen key in the URL carries the subscription
	})
	mgr.OnMessage(s.handleMessage)

	if err := mgr.Connect(ctx); err != nil {
		cancel()
		s.rest.DeleteListenKey(context.Background())
		return err
	}

	s.mu.Lock()
	s.mgr = mgr
	s.cancel = cancel
	s.mu.Unlock()

	go s.refreshLoop(ctx)
	return nil
}

// Disconnect closes the stream and deletes the listen key
func (s *UserStream) Disconnect() error {
	s.mu.Lock()
	mgr := s.mgr
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mgr != nil {
		mgr.Disconnect()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.rest.DeleteListenKey(ctx); err != nil {
		log.Warn().Err(err).Msg("Binance listen key delete failed")
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

func (s *UserStream) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rest.KeepAliveListenKey(ctx); err != nil {
				log.Warn().Err(err).Msg("Binance listen key refresh failed")
				if s.errh != nil {
					s.errh(err)
				}
			}
		}
	}
}

func (s *UserStream) handleMessage(msg []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := jsonFast.Unmarshal(msg, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(msg)
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(msg)
	case "listenKeyExpired":
		log.Warn().Msg("Binance listen key expired mid-stream")
		if s.errh != nil {
			s.errh(&exchange.ConnectionError{Exchange: exchange.Binance,
				Err: errListenKeyExpired})
		}
	}
}

func (s *UserStream) handleOrderUpdate(msg []byte) {
	var event wsOrderUpdate
	if err := jsonFast.Unmarshal(msg, &event); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed Binance order update")
		return
	}

	symbol, err := exchange.FromVenue(exchange.Binance, event.Order.Symbol)
	if err != nil {
		return
	}
	if s.orders != nil {
		s.orders(&exchange.OrderUpdate{
			Exchange:      exchange.Binance,
			Symbol:        symbol,
			OrderID:       formatOrderID(event.Order.OrderID),
			ClientOrderID: event.Order.ClientOrderID,
			Status:        mapOrderStatus(event.Order.Status),
			Side:          exchange.Side(event.Order.Side),
			PositionSide:  exchange.PositionSide(event.Order.PositionSide),
			Type:          exchange.OrderType(event.Order.OrderType),
			AvgPrice:      parseDecimal(event.Order.AvgPrice),
			FilledQty:     parseDecimal(event.Order.FilledQty),
			StopPrice:     parseDecimal(event.Order.StopPrice),
			RealizedPnl:   parseDecimal(event.Order.RealizedPnl),
			UpdateTime:    time.UnixMilli(event.Order.TradeTime).UTC(),
		})
	}
}

func (s *UserStream) handleAccountUpdate(msg []byte) {
	var event wsAccountUpdate
	if err := jsonFast.Unmarshal(msg, &event); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed Binance account update")
		return
	}

	reason := mapBalanceReason(event.Data.Reason)
	receivedAt := time.UnixMilli(event.EventTime).UTC()
	for _, b := range event.Data.Balances {
		if s.balances != nil {
			s.balances(&exchange.BalanceUpdate{
				Exchange:   exchange.Binance,
				Asset:      b.Asset,
				Wallet:     parseDecimal(b.WalletBalance),
				Change:     parseDecimal(b.BalanceChange),
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
	case "ORDER":
		return exchange.ReasonTrade
	case "FUNDING_FEE":
		return exchange.ReasonFunding
	}
	return exchange.ReasonUnknown
}
