package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

// UserStream is the authenticated private stream for one user. MEXC has no
// listen key; the socket authenticates with a signed login message and then
// pushes every personal channel without explicit subscription.
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
		Name:            "mexc-private",
		URL:             edgeWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: false, // login is re-sent on every reconnect
	})
	s.mgr.OnMessage(s.handleMessage)
	s.mgr.OnStateChange(func(st wsconn.State) {
		if st == wsconn.Connected {
			if err := s.login(); err != nil {
				log.Warn().Err(err).Msg("MEXC private login failed")
			}
		}
	})
	return s
}

// ID returns the exchange identifier
func (s *UserStream) ID() exchange.ID { return exchange.MEXC }

// Connect opens the socket; login follows onOpen
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

// login sends the signed login request
func (s *UserStream) login() error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(s.creds.APIKey + ts))

	payload, err := jsonFast.Marshal(map[string]any{
		"method": "login",
		"param": map[string]string{
			"apiKey":    s.creds.APIKey,
			"reqTime":   ts,
			"signature": hex.EncodeToString(mac.Sum(nil)),
		},
	})
	if err != nil {
		return err
	}
	return s.mgr.Send(payload)
}

func (s *UserStream) handleMessage(msg []byte) {
	var frame wsFrame
	if err := jsonFast.Unmarshal(msg, &frame); err != nil {
		return
	}

	switch frame.Channel {
	case "rs.login":
		s.mu.Lock()
		s.loggedIn = true
		s.mu.Unlock()
		log.Info().Msg("MEXC private stream authenticated")

	case "rs.error":
		log.Warn().Str("data", string(frame.Data)).Msg("MEXC private stream error")
		if s.errh != nil {
			s.errh(&exchange.RejectError{Exchange: exchange.MEXC,
				Code: "STREAM", Message: string(frame.Data)})
		}

	case "push.personal.order":
		s.handleOrder(frame.Data)

	case "push.personal.asset":
		s.handleAsset(frame.Data)
	}
}

func (s *UserStream) handleOrder(data []byte) {
	var od wsPersonalOrder
	if err := jsonFast.Unmarshal(data, &od); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed MEXC order update")
		return
	}
	symbol, err := exchange.FromVenue(exchange.MEXC, od.Symbol)
	if err != nil {
		return
	}
	if s.orders != nil {
		s.orders(&exchange.OrderUpdate{
			Exchange:   exchange.MEXC,
			Symbol:     symbol,
			OrderID:    od.OrderID,
			Status:     mapOrderState(od.State),
			Side:       sideFromCode(od.Side),
			Type:       exchange.Market,
			AvgPrice:   od.DealAvgPrice,
			FilledQty:  od.DealVol,
			UpdateTime: time.UnixMilli(od.UpdateTime).UTC(),
		})
	}
}

func (s *UserStream) handleAsset(data []byte) {
	var a wsPersonalAsset
	if err := jsonFast.Unmarshal(data, &a); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed MEXC asset update")
		return
	}
	if s.balances != nil {
		s.balances(&exchange.BalanceUpdate{
			Exchange:   exchange.MEXC,
			Asset:      a.Currency,
			Wallet:     a.AvailableBalance.Add(a.FrozenBalance),
			Reason:     exchange.ReasonUnknown, // asset pushes omit the cause
			ReceivedAt: time.Now().UTC(),
		})
	}
}
