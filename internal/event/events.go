// Package event defines the internal bus payloads flowing from the
// stream orchestrator to the broadcast manager. Events are immutable
// once constructed; producers must not retain or mutate them.
package event

import (
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
)

// Type tags each event variant for the downstream wire frame.
type Type uint8

const (
	TypeSnapshot Type = iota + 1
	TypeUpdate
	TypeRemoved
	TypeStatus
)

func (t Type) String() string {
	switch t {
	case TypeSnapshot:
		return "snapshot"
	case TypeUpdate:
		return "update"
	case TypeRemoved:
		return "removed"
	case TypeStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Provenance records which path produced a position value.
type Provenance string

const (
	ProvenanceStream   Provenance = "stream"
	ProvenanceBackfill Provenance = "backfill"
	ProvenanceCache    Provenance = "cache"
)

// Event is the closed union consumed by the broadcast manager.
type Event interface {
	Kind() Type
}

// PositionSnapshot is a full replace of all open positions.
// Subscribers discard any held state when they receive one.
type PositionSnapshot struct {
	Positions  []domain.Position
	TotalPnL   int64 // total unrealized P&L, cents
	Provenance Provenance
	At         time.Time
}

func (PositionSnapshot) Kind() Type { return TypeSnapshot }

// PositionUpdate replaces the state of a single market.
type PositionUpdate struct {
	Position   domain.Position
	Seq        uint64
	Provenance Provenance
	At         time.Time
}

func (PositionUpdate) Kind() Type { return TypeUpdate }

// PositionRemoved signals a position closed or reduced to zero quantity.
type PositionRemoved struct {
	Ticker string
	Seq    uint64
	At     time.Time
}

func (PositionRemoved) Kind() Type { return TypeRemoved }

// ConnState is the subscriber-visible connection lifecycle.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
	StateStopped      ConnState = "stopped"
)

// ConnectionStatus reports upstream connection transitions so consumers
// can distinguish "caught up" from "stale".
type ConnectionStatus struct {
	State   ConnState
	Reason  string
	Retries int
	At      time.Time
}

func (ConnectionStatus) Kind() Type { return TypeStatus }

// Terminal reports whether no further events will follow this status.
func (s ConnectionStatus) Terminal() bool {
	return s.State == StateFailed || s.State == StateStopped
}
