package gateio

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

// UserStream is the authenticated private stream for one user. Gate.io
// authenticates per-subscription: each subscribe message carries an HMAC
// over (channel, event, time), and the payload names the numeric user id.
type UserStream struct {
	creds exchange.Credentials
	rest  *RestClient
	mgr   *wsconn.Manager

	userID string

	orders   exchange.OrderHandler
	balances exchange.BalanceHandler
	errh     exchange.ErrorHandler
}

// NewUserStream builds a private stream from decrypted credentials
func NewUserStream(creds exchange.Credentials) *UserStream {
	s := &UserStream{
		creds: creds,
		rest:  NewRestClient(creds),
	}
	s.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "gateio-private",
		URL:             marketWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: false, // signed subscribes carry a timestamp; rebuilt on reconnect
	})
	s.mgr.OnMessage(s.handleMessage)
	s.mgr.OnStateChange(func(st wsconn.State) {
		if st == wsconn.Connected && s.userID != "" {
			if err := s.subscribeChannels(); err != nil {
				log.Warn().Err(err).Msg("Gate.io private subscribe failed")
			}
		}
	})
	return s
}

// ID returns the exchange identifier
func (s *UserStream) ID() exchange.ID { return exchange.GateIO }

// Connect resolves the account's user id, opens the socket and subscribes
func (s *UserStream) Connect(ctx context.Context) error {
	account, err := s.rest.fetchAccount(ctx)
	if err != nil {
		return err
	}
	s.userID = strconv.FormatInt(account.User, 10)
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

// IsConnected reports whether the stream is connected
func (s *UserStream) IsConnected() bool { return s.mgr.IsConnected() }

func (s *UserStream) subscribeChannels() error {
	for _, channel := range []string{"futures.orders", "futures.balances"} {
		ts := time.Now().Unix()
		sign := s.rest.sign(fmt.Sprintf("channel=%s&event=%s&time=%d", channel, "subscribe", ts))

		payload, err := jsonFast.Marshal(map[string]any{
			"time":    ts,
			"channel": channel,
			"event":   "subscribe",
			"payload": []string{s.userID, "!all"},
			"auth": map[string]string{
				"method": "api_key",
				"KEY":    s.creds.APIKey,
				"SIGN":   sign,
			},
		})
		if err != nil {
			return err
		}
		if err := s.mgr.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *UserStream) handleMessage(msg []byte) {
	var frame wsFrame
	if err := jsonFast.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Error != nil {
		log.Warn().Str("label", frame.Error.Label).Msg("Gate.io private stream error")
		if s.errh != nil {
			s.errh(&exchange.RejectError{Exchange: exchange.GateIO,
				Code: frame.Error.Label, Message: frame.Error.Message})
		}
		return
	}
	if frame.Event != "update" || len(frame.Result) == 0 {
		return
	}

	switch frame.Channel {
	case "futures.orders":
		s.handleOrders(frame.Result)
	case "futures.balances":
		s.handleBalances(frame.Result)
	}
}

func (s *UserStream) handleOrders(data []byte) {
	var rows []wsOrder
	if err := jsonFast.Unmarshal(data, &rows); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed Gate.io order update")
		return
	}
	for _, od := range rows {
		symbol, err := exchange.FromVenue(exchange.GateIO, od.Contract)
		if err != nil {
			continue
		}

		side := exchange.Buy
		size := od.Size
		if size < 0 {
			side = exchange.Sell
			size = -size
		}
		status := exchange.OrderNew
		if od.Status == "finished" {
			status = exchange.OrderFilled
			if od.FinishAs == "cancelled" {
				status = exchange.OrderCanceled
			}
		} else if od.Left != od.Size {
			status = exchange.OrderPartiallyFilled
		}

		if s.orders != nil {
			s.orders(&exchange.OrderUpdate{
				Exchange:   exchange.GateIO,
				Symbol:     symbol,
				OrderID:    strconv.FormatInt(od.ID, 10),
				Status:     status,
				Side:       side,
				Type:       exchange.Market,
				AvgPrice:   parseDecimal(od.FillPrice),
				FilledQty:  decimal.NewFromInt(size - od.Left),
				UpdateTime: time.UnixMilli(int64(od.FinishTime)).UTC(),
			})
		}
	}
}

func (s *UserStream) handleBalances(data []byte) {
	var rows []wsBalance
	if err := jsonFast.Unmarshal(data, &rows); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed Gate.io balance update")
		return
	}
	for _, b := range rows {
		if s.balances != nil {
			s.balances(&exchange.BalanceUpdate{
				Exchange:   exchange.GateIO,
				Asset:      b.Currency,
				Wallet:     b.Balance,
				Change:     b.Change,
				Reason:     mapBalanceType(b.Type),
				ReceivedAt: time.Unix(b.Time, 0).UTC(),
			})
		}
	}
}

func mapBalanceType(t string) exchange.BalanceReason {
	switch t {
	case "dnw":
		return exchange.ReasonDeposit
	case "fee", "pnl":
		return exchange.ReasonTrade
	case "fund":
		return exchange.ReasonFunding
	}
	return exchange.ReasonUnknown
}
