package okx

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const privateWSURL = "wss://ws.okx.com:8443/ws/v5/private"

// UserStream is the authenticated private stream for one user. OKX has no
// listen key; the socket authenticates with a signed login message.
type UserStream struct {
	creds exchange.Credentials
	mgr   *wsconn.Manager

	mu       sync.Mutex
	loggedIn bool

	orders   exchange.OrderHandler
	balances exchange.BalanceHandler
	errh     exchange.ErrorHandler
}

// NewUserStream builds a private stream from decrypted credentials
func NewUserStream(creds exchange.Credentials) *UserStream {
	s := &UserStream{creds: creds}
	s.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "okx-private",
		URL:             privateWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: false, // login must precede resubscribe; handled on state change
	})
	s.mgr.OnMessage(s.handleMessage)
	s.mgr.OnStateChange(func(st wsconn.State) {
		if st == wsconn.Connected {
			if err := s.login(); err != nil {
				log.Warn().Err(err).Msg("OKX private login failed")
			}
		}
	})
	return s
}

// ID returns the exchange identifier
func (s *UserStream) ID() exchange.ID { return exchange.OKX }

// Connect opens the socket; login and channel subscription follow onOpen
func (s *UserStream) Connect(ctx context.Context) error {
	return s.mgr.Connect(ctx)
}

// Disconnect closes the stream
func (s *UserStream) Disconnect() error {
	s.mgr.Disconnect()
	return nil
}

// SetOrderHandler registers the order-update callback
func (s *UserStream) SetOrderHandler(h exchange.OrderHandler) { s.orders = h }

// SetBalanceHandler registers the balance-update callback
func (s *UserStream) SetBalanceHandler(h exchange.BalanceHandler) { s.balances = h }

// SetErrorHandler registers the error callback
func (s *UserStream) SetErrorHandler(h exchange.ErrorHandler) { s.errh = h }

// IsConnected reports whether the stream is connected and authenticated
func (s *UserStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr.IsConnected() && s.loggedIn
}

// login sends the signed login request; subscription follows the ack
func (s *UserStream) login() error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sign := (&RestClient{secretKey: s.creds.APISecret}).sign(ts, "GET", "/users/self/verify", "")

	payload, err := jsonFast.Marshal(map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     s.creds.APIKey,
			"passphrase": s.creds.Passphrase,
			"timestamp":  ts,
			"sign":       sign,
		}},
	})
	if err != nil {
		return err
	}
	return s.mgr.Send(payload)
}

func (s *UserStream) subscribeChannels() error {
	payload, err := jsonFast.Marshal(map[string]any{
		"op": "subscribe",
		"args": []wsArg{
			{Channel: "orders", InstType: "SWAP"},
			{Channel: "account"},
		},
	})
	if err != nil {
		return err
	}
	return s.mgr.Send(payload)
}

func (s *UserStream) handleMessage(msg []byte) {
	var m wsMessage
	if err := jsonFast.Unmarshal(msg, &m); err != nil {
		return
	}

	switch m.Event {
	case "login":
		s.mu.Lock()
		s.loggedIn = true
		s.mu.Unlock()
		if err := s.subscribeChannels(); err != nil {
			log.Warn().Err(err).Msg("OKX private subscribe failed")
		}
		return
	case "error":
		log.Warn().Str("code", m.Code).Str("msg", m.Msg).Msg("OKX private stream error")
		if s.errh != nil {
			s.errh(&exchange.RejectError{Exchange: exchange.OKX, Code: m.Code, Message: m.Msg})
		}
		return
	}
	if len(m.Data) == 0 {
		return
	}

	switch m.Arg.Channel {
	case "orders":
		s.handleOrders(m.Data)
	case "account":
		s.handleAccount(m.Data)
	}
}

func (s *UserStream) handleOrders(data []byte) {
	var rows []orderData
	if err := jsonFast.Unmarshal(data, &rows); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed OKX order update")
		return
	}
	for _, od := range rows {
		symbol, err := exchange.FromVenue(exchange.OKX, od.InstID)
		if err != nil {
			continue
		}
		if s.orders != nil {
			s.orders(&exchange.OrderUpdate{
				Exchange:      exchange.OKX,
				Symbol:        symbol,
				OrderID:       od.OrdID,
				ClientOrderID: od.ClOrdID,
				Status:        mapOrderState(od.State),
				Side:          exchange.Side(upperSide(od.Side)),
				PositionSide:  mapPosSide(od.PosSide),
				Type:          mapOrdType(od.OrdType),
				AvgPrice:      parseDecimal(od.AvgPx),
				FilledQty:     parseDecimal(od.AccFillSz),
				RealizedPnl:   parseDecimal(od.Pnl),
				UpdateTime:    parseMillis(od.UTime),
			})
		}
	}
}

func (s *UserStream) handleAccount(data []byte) {
	var rows []wsBalanceData
	if err := jsonFast.Unmarshal(data, &rows); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed OKX account update")
		return
	}
	for _, row := range rows {
		receivedAt := parseMillis(row.UTime)
		for _, d := range row.Details {
			if s.balances != nil {
				s.balances(&exchange.BalanceUpdate{
					Exchange:   exchange.OKX,
					Asset:      d.Ccy,
					Wallet:     parseDecimal(d.CashBal),
					Reason:     exchange.ReasonUnknown, // OKX omits the cause on this channel
					ReceivedAt: receivedAt,
				})
			}
		}
	}
}

func mapOrdType(t string) exchange.OrderType {
	switch t {
	case "market":
		return exchange.Market
	case "limit":
		return exchange.Limit
	case "conditional":
		return exchange.StopMarket
	}
	return exchange.OrderType(t)
}
