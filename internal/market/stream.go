// Package market - stream.go maintains a websocket subscription to
// Alpaca's real-time trade feed for the ETF universe.
//
// The stream is an accelerator, not a source of truth: the HTTP snapshot
// path still provides open/high/low, and a streamed print only overrides
// the last price while it is fresh. If the socket drops, the gateway
// silently degrades to HTTP quotes while the stream reconnects.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const alpacaStreamURL = "wss://stream.data.alpaca.markets/v2/iex"

// Stream holds the live trade prints for a set of symbols.
type Stream struct {
	url       string
	apiKey    string
	secretKey string
	symbols   []string
	log       zerolog.Logger

	mu     sync.RWMutex
	trades map[string]streamTrade
}

type streamTrade struct {
	price float64
	at    time.Time
}

// NewStream creates a trade stream for the given symbols.
func NewStream(apiKey, secretKey string, symbols []string, log zerolog.Logger) *Stream {
	return &Stream{
		url:       alpacaStreamURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		symbols:   symbols,
		log:       log.With().Str("component", "stream").Logger(),
		trades:    make(map[string]streamTrade),
	}
}

// LastTrade returns the most recent streamed price for the symbol.
func (s *Stream) LastTrade(symbol string) (price float64, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[symbol]
	return t.price, t.at, ok
}

// Run connects, subscribes, and consumes trade messages until the context
// is cancelled, reconnecting with backoff on any failure.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	defer conn.Close()

	// Close the socket when the context is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	auth := map[string]string{"action": "auth", "key": s.apiKey, "secret": s.secretKey}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("stream: auth: %w", err)
	}
	sub := map[string]any{"action": "subscribe", "trades": s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("stream: subscribe: %w", err)
	}
	s.log.Info().Strs("symbols", s.symbols).Msg("stream subscribed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}

		var msgs []struct {
			Type      string    `json:"T"`
			Symbol    string    `json:"S"`
			Price     float64   `json:"p"`
			Timestamp time.Time `json:"t"`
			Message   string    `json:"msg"`
			Code      int       `json:"code"`
		}
		if err := json.Unmarshal(raw, &msgs); err != nil {
			s.log.Warn().Err(err).Msg("stream: bad frame")
			continue
		}

		for _, msg := range msgs {
			switch msg.Type {
			case "t":
				s.mu.Lock()
				s.trades[msg.Symbol] = streamTrade{price: msg.Price, at: time.Now()}
				s.mu.Unlock()
			case "error":
				return fmt.Errorf("stream: server error %d: %s", msg.Code, msg.Message)
			}
		}
	}
}
