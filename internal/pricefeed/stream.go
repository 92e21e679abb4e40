package pricefeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// Stream keeps a Hermes websocket subscription open and pushes price updates
// into the monitor between polls, cutting trigger latency without changing
// the polling contract. It is best-effort: the poll loop remains the source
// of truth and the stream reconnects forever until the context ends.
type Stream struct {
	url            string
	feeds          func() [][32]byte
	monitor        *Monitor
	reconnectDelay time.Duration
	logger         *slog.Logger
}

type streamSubscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type streamMessage struct {
	Type      string            `json:"type"`
	PriceFeed hermesPriceUpdate `json:"price_feed"`
}

// NewStream subscribes to whatever feeds() returns at (re)connect time, so
// the subscription set tracks the monitor as orders come and go.
func NewStream(url string, feeds func() [][32]byte, monitor *Monitor, reconnectDelay time.Duration, logger *slog.Logger) *Stream {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &Stream{
		url:            url,
		feeds:          feeds,
		monitor:        monitor,
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// Run blocks until ctx is done, reconnecting on any failure.
func (s *Stream) Run(ctx context.Context) {
	if s.url == "" {
		return
	}

	s.logger.Info("price stream enabled", "url", s.url)
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.consume(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("price stream disconnected", "err", err, "retry_in", s.reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	feedIDs := s.feeds()
	if len(feedIDs) == 0 {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: streamWriteTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()

	// The watcher unblocks the read loop on cancellation and must not outlive
	// this connection, or each reconnect would park another goroutine.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watcherDone:
		}
	}()

	ids := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		ids = append(ids, hex.EncodeToString(id[:]))
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(streamSubscribeRequest{Type: "subscribe", IDs: ids}); err != nil {
		return fmt.Errorf("subscribe price stream: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read price stream: %w", err)
		}

		var message streamMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			s.logger.Warn("malformed price stream message", "err", err)
			continue
		}
		if message.Type != "price_update" {
			continue
		}

		point, err := decodeHermesUpdate(message.PriceFeed)
		if err != nil {
			continue
		}
		s.monitor.Update(point)
	}
}
