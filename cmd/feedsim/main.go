// Command feedsim runs a synthetic venue for local development: a
// websocket endpoint that emits randomized ticker and fill frames and
// the REST endpoints the streaming core snapshots from. Point the app
// at it to exercise reconnects, gaps, and backfill without credentials.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type simMarket struct {
	ticker     string
	priceCents int64
	position   int64 // signed, YES positive
	exposure   int64
}

type simulator struct {
	mu      sync.Mutex
	markets []*simMarket
	seq     uint64
	dropPct int
	rnd     *rand.Rand
}

func newSimulator(dropPct int) *simulator {
	return &simulator{
		markets: []*simMarket{
			{ticker: "INXD-25-T5000", priceCents: 68, position: 100, exposure: 6800},
			{ticker: "RAIN-NYC-25", priceCents: 36, position: -20, exposure: -720},
			{ticker: "FED-25-HIKE", priceCents: 52, position: 40, exposure: 2080},
		},
		dropPct: dropPct,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// nextFrame mutates one market and returns its wire frame. A fraction
// of sequence numbers is silently consumed to simulate gaps.
func (s *simulator) nextFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.markets[s.rnd.Intn(len(s.markets))]
	m.priceCents += int64(s.rnd.Intn(5)) - 2
	if m.priceCents < 1 {
		m.priceCents = 1
	}
	if m.priceCents > 99 {
		m.priceCents = 99
	}

	s.seq++
	if s.dropPct > 0 && s.rnd.Intn(100) < s.dropPct {
		s.seq++ // the skipped number becomes a gap downstream
	}

	frame := map[string]any{
		"type": "ticker",
		"seq":  s.seq,
		"msg": map[string]any{
			"market_ticker": m.ticker,
			"price":         m.priceCents,
			"yes_bid":       m.priceCents - 1,
			"yes_ask":       m.priceCents + 1,
			"volume":        s.rnd.Intn(10000),
			"ts":            time.Now().Unix(),
		},
	}
	raw, _ := json.Marshal(frame)
	return raw
}

func (s *simulator) positionsJSON() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	type wp struct {
		Ticker   string `json:"ticker"`
		Position int64  `json:"position"`
		Exposure int64  `json:"market_exposure"`
	}
	out := struct {
		MarketPositions []wp `json:"market_positions"`
	}{}
	for _, m := range s.markets {
		out.MarketPositions = append(out.MarketPositions, wp{
			Ticker: m.ticker, Position: m.position, Exposure: m.exposure,
		})
	}
	raw, _ := json.Marshal(out)
	return raw
}

func (s *simulator) marketsJSON() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	type wm struct {
		Ticker    string `json:"ticker"`
		LastPrice int64  `json:"last_price"`
	}
	out := struct {
		Markets []wm `json:"markets"`
	}{}
	for _, m := range s.markets {
		out.Markets = append(out.Markets, wm{Ticker: m.ticker, LastPrice: m.priceCents})
	}
	raw, _ := json.Marshal(out)
	return raw
}

func main() {
	addr := flag.String("addr", "localhost:8700", "listen address")
	interval := flag.Duration("interval", 250*time.Millisecond, "time between stream frames")
	dropPct := flag.Int("drop", 5, "percent of sequence numbers skipped to force gaps")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sim := newSimulator(*dropPct)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id := uuid.New()
		log.Info("stream client connected", "id", id, "remote", r.RemoteAddr)

		// Acknowledge subscribe commands; anything else is ignored.
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cmd struct {
					ID  uint64 `json:"id"`
					Cmd string `json:"cmd"`
				}
				if json.Unmarshal(raw, &cmd) == nil && cmd.Cmd == "subscribe" {
					ack := fmt.Sprintf(`{"type":"subscribed","id":%d,"msg":{"channel":"ticker","sid":1}}`, cmd.ID)
					conn.WriteMessage(websocket.TextMessage, []byte(ack))
				}
			}
		}()

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteMessage(websocket.TextMessage, sim.nextFrame()); err != nil {
				log.Info("stream client gone", "id", id)
				return
			}
		}
	})

	mux.HandleFunc("/portfolio/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(sim.positionsJSON())
	})
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(sim.marketsJSON())
	})
	mux.HandleFunc("/portfolio/balance", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":100000}`))
	})

	log.Info("feed simulator listening", "addr", *addr,
		"ws", "ws://"+*addr+"/ws", "rest", "http://"+*addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}
