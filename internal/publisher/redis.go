// Package publisher pushes position lifecycle events over Redis so frontends
// and operator tooling can follow closes in real time.
package publisher

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/position"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Event types on the progress channels
const (
	EventTriggerDetected = "triggerDetected"
	EventCloseProgress   = "closeProgress"
	EventCloseSuccess    = "closeSuccess"
	EventCloseFailed     = "closeFailed"
	EventEmergency       = "emergency"
)

// Event is the wire format for one lifecycle notification
type Event struct {
	Type       string    `json:"type"`
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	Leg        string    `json:"leg,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Index      int       `json:"index,omitempty"`
	Total      int       `json:"total,omitempty"`
	TradeID    string    `json:"tradeId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RedisPublisher fans events out on Pub/Sub per user and appends them to a
// capped stream for replay.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects and verifies the server is reachable
func NewRedisPublisher(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Client returns the underlying Redis client, shared with the lock layer
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// publish sends the event on the user's channel and records it on the event
// stream. Delivery is best-effort: a Redis outage must never stall a close.
func (p *RedisPublisher) publish(userID string, ev Event) {
	ev.Timestamp = time.Now().UTC()
	data, err := jsonFast.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Event marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	channel := fmt.Sprintf("position:progress:%s", userID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Event publish failed")
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "position:events",
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		log.Warn().Err(err).Msg("Event stream append failed")
	}
}

// TriggerDetected implements monitor.Notifier
func (p *RedisPublisher) TriggerDetected(pos *position.Position, leg string, reason position.CloseReason) {
	p.publish(pos.UserID, Event{
		Type:       EventTriggerDetected,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Leg:        leg,
		Reason:     string(reason),
	})
}

// CloseSucceeded implements monitor.Notifier
func (p *RedisPublisher) CloseSucceeded(pos *position.Position, trade *position.Trade) {
	ev := Event{
		Type:       EventCloseSuccess,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Reason:     string(pos.CloseReason),
	}
	if trade != nil {
		ev.TradeID = trade.ID
	}
	p.publish(pos.UserID, ev)
}

// CloseFailed implements monitor.Notifier
func (p *RedisPublisher) CloseFailed(pos *position.Position, err error) {
	p.publish(pos.UserID, Event{
		Type:       EventCloseFailed,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Error:      err.Error(),
	})
}

// Emergency implements monitor.Notifier. On top of the user channel the event
// goes to a global channel operators subscribe to.
func (p *RedisPublisher) Emergency(pos *position.Position, msg string) {
	p.publish(pos.UserID, Event{
		Type:       EventEmergency,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Message:    msg,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload := fmt.Sprintf(`{"positionId":%q,"userId":%q,"message":%q}`, pos.ID, pos.UserID, msg)
	if err := p.client.Publish(ctx, "position:emergency", payload).Err(); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Emergency publish failed")
	}
}

// BatchProgress reports one step of a group close
func (p *RedisPublisher) BatchProgress(userID string, pr position.BatchProgress) {
	ev := Event{
		Type:       EventCloseProgress,
		PositionID: pr.PositionID,
		Symbol:     pr.Symbol,
		Index:      pr.Index,
		Total:      pr.Total,
	}
	if pr.Err != nil {
		ev.Error = pr.Err.Error()
	}
	p.publish(userID, ev)
}
