// Package kalshi wraps the Kalshi trade API: the websocket stream the
// orchestrator reads and the REST endpoints used for snapshots and gap
// backfill. Raw venue payloads are parsed into a closed set of message
// types here and never escape the package untyped.
package kalshi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
)

// Message is the closed union of parsed venue stream messages.
type Message interface {
	isMessage()
}

// envelope is the outer frame of every websocket message.
type envelope struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	SID  uint64          `json:"sid,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// TickerMessage is a price/volume update for one market.
type TickerMessage struct {
	MarketTicker string `json:"market_ticker"`
	PriceCents   int64  `json:"price"`
	YesBidCents  int64  `json:"yes_bid"`
	YesAskCents  int64  `json:"yes_ask"`
	Volume       int64  `json:"volume"`
	TS           int64  `json:"ts"` // unix seconds
}

func (TickerMessage) isMessage() {}

// FillMessage reports one of the user's orders executing.
type FillMessage struct {
	TradeID       string `json:"trade_id"`
	MarketTicker  string `json:"market_ticker"`
	Side          string `json:"side"`   // yes | no
	Action        string `json:"action"` // buy | sell
	Count         int64  `json:"count"`
	YesPriceCents int64  `json:"yes_price"`
	NoPriceCents  int64  `json:"no_price"`
	TS            int64  `json:"ts"`
}

func (FillMessage) isMessage() {}

// PositionSide maps the wire side to the domain side.
func (m FillMessage) PositionSide() (domain.Side, error) {
	switch strings.ToLower(m.Side) {
	case "yes":
		return domain.SideYes, nil
	case "no":
		return domain.SideNo, nil
	default:
		return "", fmt.Errorf("unknown fill side %q", m.Side)
	}
}

// PriceCents returns the executed contract price for the fill's side.
func (m FillMessage) PriceCents() int64 {
	if strings.EqualFold(m.Side, "no") {
		return m.NoPriceCents
	}
	return m.YesPriceCents
}

// MarketPositionMessage carries the venue's authoritative position for
// one market. Position is signed: positive YES, negative NO.
type MarketPositionMessage struct {
	MarketTicker  string `json:"market_ticker"`
	Position      int64  `json:"position"`
	ExposureCents int64  `json:"market_exposure"`
	TS            int64  `json:"ts"`
}

func (MarketPositionMessage) isMessage() {}

// SubscribedMessage acknowledges a channel subscription.
type SubscribedMessage struct {
	Channel string `json:"channel"`
	SID     uint64 `json:"sid"`
	ID      uint64 `json:"-"`
}

func (SubscribedMessage) isMessage() {}

// ErrorMessage is the venue rejecting a command, usually a subscribe.
type ErrorMessage struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	ID   uint64 `json:"-"`
}

func (ErrorMessage) isMessage() {}

func (m ErrorMessage) Error() string {
	return fmt.Sprintf("kalshi: error %d: %s", m.Code, m.Msg)
}

// SubscriptionError marks one channel's subscription as rejected.
// Other channels on the same connection keep streaming.
type SubscriptionError struct {
	Channel string
	Code    int
	Msg     string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("kalshi: subscribe %s rejected (%d): %s", e.Channel, e.Code, e.Msg)
}

// ParseMessage decodes one raw frame into a typed message plus the
// per-market sequence number (0 when the channel is unsequenced).
func ParseMessage(raw []byte) (Message, uint64, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case "ticker":
		var m TickerMessage
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, 0, fmt.Errorf("malformed ticker: %w", err)
		}
		if m.MarketTicker == "" {
			return nil, 0, fmt.Errorf("ticker frame without market_ticker")
		}
		return m, env.Seq, nil

	case "fill":
		var m FillMessage
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, 0, fmt.Errorf("malformed fill: %w", err)
		}
		if m.MarketTicker == "" {
			return nil, 0, fmt.Errorf("fill frame without market_ticker")
		}
		return m, env.Seq, nil

	case "market_position":
		var m MarketPositionMessage
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, 0, fmt.Errorf("malformed market_position: %w", err)
		}
		if m.MarketTicker == "" {
			return nil, 0, fmt.Errorf("market_position frame without market_ticker")
		}
		return m, env.Seq, nil

	case "subscribed":
		var m SubscribedMessage
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, 0, fmt.Errorf("malformed subscribed: %w", err)
		}
		m.ID = env.ID
		return m, 0, nil

	case "error":
		var m ErrorMessage
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, 0, fmt.Errorf("malformed error frame: %w", err)
		}
		m.ID = env.ID
		return m, 0, nil

	default:
		return nil, 0, fmt.Errorf("unknown message type %q", env.Type)
	}
}
