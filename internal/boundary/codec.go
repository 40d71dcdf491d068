package boundary

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/event"
)

// wireFrame is the envelope every client message is wrapped in.
type wireFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wirePosition is a position with P&L computed server-side, so thin
// clients never reimplement the cents math.
type wirePosition struct {
	Ticker           string    `json:"ticker"`
	Side             string    `json:"side"`
	Quantity         int64     `json:"quantity"`
	AvgEntryCents    int64     `json:"avg_entry_price_cents"`
	CurrentCents     int64     `json:"current_price_cents"`
	UnrealizedPnL    string    `json:"unrealized_pnl"`
	UnrealizedPnLPct string    `json:"unrealized_pnl_pct"`
	Value            string    `json:"value"`
	CostBasis        string    `json:"cost_basis"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func positionToWire(p domain.Position) wirePosition {
	return wirePosition{
		Ticker:           p.Ticker,
		Side:             string(p.Side),
		Quantity:         p.Quantity,
		AvgEntryCents:    p.AvgEntryCents,
		CurrentCents:     p.CurrentCents,
		UnrealizedPnL:    p.UnrealizedPnL().StringFixed(2),
		UnrealizedPnLPct: p.UnrealizedPnLPct().String(),
		Value:            decimal.New(p.ValueCents(), -2).StringFixed(2),
		CostBasis:        decimal.New(p.CostBasisCents(), -2).StringFixed(2),
		UpdatedAt:        p.UpdatedAt,
	}
}

func encodeEvent(ev event.Event) wireFrame {
	switch e := ev.(type) {
	case event.PositionSnapshot:
		positions := make([]wirePosition, 0, len(e.Positions))
		for _, p := range e.Positions {
			positions = append(positions, positionToWire(p))
		}
		return wireFrame{
			Type: e.Kind().String(),
			Data: struct {
				Positions  []wirePosition `json:"positions"`
				TotalPnL   string         `json:"total_unrealized_pnl"`
				Provenance string         `json:"provenance"`
				At         time.Time      `json:"at"`
			}{
				Positions:  positions,
				TotalPnL:   decimal.New(e.TotalPnL, -2).StringFixed(2),
				Provenance: string(e.Provenance),
				At:         e.At,
			},
		}

	case event.PositionUpdate:
		return wireFrame{
			Type: e.Kind().String(),
			Data: struct {
				Position   wirePosition `json:"position"`
				Seq        uint64       `json:"seq,omitempty"`
				Provenance string       `json:"provenance"`
			}{
				Position:   positionToWire(e.Position),
				Seq:        e.Seq,
				Provenance: string(e.Provenance),
			},
		}

	case event.PositionRemoved:
		return wireFrame{
			Type: e.Kind().String(),
			Data: struct {
				Ticker string `json:"ticker"`
				Seq    uint64 `json:"seq,omitempty"`
			}{Ticker: e.Ticker, Seq: e.Seq},
		}

	case event.ConnectionStatus:
		return wireFrame{
			Type: e.Kind().String(),
			Data: struct {
				State   string `json:"state"`
				Reason  string `json:"reason,omitempty"`
				Retries int    `json:"retries,omitempty"`
			}{State: string(e.State), Reason: e.Reason, Retries: e.Retries},
		}

	default:
		return wireFrame{Type: "unknown"}
	}
}
