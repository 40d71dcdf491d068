package kalshi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
)

// ErrEndOfStream signals the upstream connection is gone. The caller
// must treat the connection as dead and re-establish; this client does
// not self-heal.
var ErrEndOfStream = errors.New("kalshi: end of stream")

// ErrNotConnected is returned for operations before Connect succeeds.
var ErrNotConnected = errors.New("kalshi: not connected")

// Credentials authenticates one streaming session.
type Credentials struct {
	APIKey string
}

// ChannelSpec names one subscription: a channel plus the markets it
// covers ("*" for all).
type ChannelSpec struct {
	Channel string
	Markets []string
}

// StreamClient holds at most one live websocket connection to the
// Kalshi event feed. Safe for one reader plus concurrent writers.
type StreamClient struct {
	url         string
	readTimeout time.Duration

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  uint64
	pending map[uint64]string // subscribe command id -> channel, until acked
}

// NewStreamClient creates a client for the given websocket endpoint.
// readTimeout is the idle limit per read; a silent connection is killed
// when it expires.
func NewStreamClient(url string, readTimeout time.Duration) *StreamClient {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &StreamClient{
		url:         url,
		readTimeout: readTimeout,
		pending:     make(map[uint64]string),
	}
}

// Connect dials and authenticates. A handshake rejected with 401/403
// yields *infra.AuthError; anything else is a transient network error.
func (c *StreamClient) Connect(ctx context.Context, creds Credentials) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+creds.APIKey)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &infra.AuthError{Reason: fmt.Sprintf("handshake rejected: %s", resp.Status)}
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	// Only one live connection at a time.
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Subscribe sends subscription commands for each channel. Rejections
// arrive asynchronously as ErrorMessage frames.
func (c *StreamClient) Subscribe(ctx context.Context, channels []ChannelSpec) error {
	for _, spec := range channels {
		c.writeMu.Lock()
		c.nextID++
		id := c.nextID
		c.pending[id] = spec.Channel
		c.writeMu.Unlock()

		cmd := map[string]any{
			"id":  id,
			"cmd": "subscribe",
			"params": map[string]any{
				"channels":       []string{spec.Channel},
				"market_tickers": spec.Markets,
			},
		}
		if err := c.writeJSON(cmd); err != nil {
			return fmt.Errorf("subscribe %s: %w", spec.Channel, err)
		}
	}
	return nil
}

// Receive blocks for the next parsed message. Read errors and closed
// connections surface as ErrEndOfStream; a malformed payload returns a
// parse error with the connection still usable. An error frame that
// answers a pending subscribe comes back as *SubscriptionError, so the
// failed channel is identifiable while the rest keep streaming.
func (c *StreamClient) Receive() (Message, uint64, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, 0, ErrEndOfStream
	}

	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		c.Close()
		return nil, 0, fmt.Errorf("%w: %v", ErrEndOfStream, err)
	}

	msg, seq, err := ParseMessage(raw)
	if err != nil {
		return nil, 0, err
	}

	switch m := msg.(type) {
	case SubscribedMessage:
		c.writeMu.Lock()
		delete(c.pending, m.ID)
		c.writeMu.Unlock()
	case ErrorMessage:
		c.writeMu.Lock()
		channel, pending := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.writeMu.Unlock()
		if pending {
			return nil, 0, &SubscriptionError{Channel: channel, Code: m.Code, Msg: m.Msg}
		}
	}
	return msg, seq, nil
}

// Ping sends a websocket-level ping to keep intermediaries alive.
func (c *StreamClient) Ping() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close tears down the connection. Idempotent.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *StreamClient) writeJSON(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}
