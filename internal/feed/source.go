package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/marketledger/internal/config"
	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/models"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	dialTimeout  = 10 * time.Second
)

// wireEvent is the feed's JSON frame.
type wireEvent struct {
	Channel      string `json:"channel"`
	ItemID       uint32 `json:"itemId"`
	WorldID      uint32 `json:"worldId"`
	PricePerUnit int64  `json:"pricePerUnit"`
	Quantity     int64  `json:"quantity"`
	HQ           bool   `json:"hq"`
	Total        int64  `json:"total"`
	BuyerName    string `json:"buyerName"`
	OnMannequin  bool   `json:"onMannequin"`
	Timestamp    int64  `json:"timestamp"`
}

func (w wireEvent) toEvent() (models.PriceEvent, bool) {
	ev := models.PriceEvent{
		ItemID:       w.ItemID,
		WorldID:      w.WorldID,
		PricePerUnit: w.PricePerUnit,
		Quantity:     w.Quantity,
		HQ:           w.HQ,
		Total:        w.Total,
		BuyerName:    w.BuyerName,
		OnMannequin:  w.OnMannequin,
		Timestamp:    time.Unix(w.Timestamp, 0).UTC(),
	}
	switch w.Channel {
	case "sales":
		ev.Kind = models.Sale
	case "listings":
		ev.Kind = models.Listing
	default:
		return models.PriceEvent{}, false
	}
	return ev, true
}

type subscribeMsg struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
}

// Source maintains the websocket connection to the live price feed. Decoded
// events land on a buffered channel; when the consumer falls behind, events
// are dropped and counted rather than stalling the read pump.
type Source struct {
	url      string
	channels []string
	min, max time.Duration
	events   chan models.PriceEvent
	dropped  atomic.Uint64
}

// NewSource creates a feed source subscribing to the given channels
// ("sales", "listings").
func NewSource(cfg config.FeedConfig, channels []string) *Source {
	return &Source{
		url:      cfg.URL,
		channels: channels,
		min:      cfg.ReconnectMinBackoff,
		max:      cfg.ReconnectMaxBackoff,
		events:   make(chan models.PriceEvent, cfg.BufferSize),
	}
}

// Events is the stream of decoded feed events. Closed when Run returns.
func (s *Source) Events() <-chan models.PriceEvent {
	return s.events
}

// Dropped reports events discarded because the consumer fell behind.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Run connects, pumps, and reconnects with exponential backoff until the
// context is cancelled.
func (s *Source) Run(ctx context.Context) {
	defer close(s.events)

	backoff := s.min
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := s.pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.min
		}
		logger.Warn("feed connection lost: %v, reconnecting in %v", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.max {
			backoff = s.max
		}
	}
}

// pump runs one connection: dial, subscribe, read until failure or cancel.
// The bool reports whether the dial succeeded, so the caller can reset its
// backoff.
func (s *Source) pump(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	logger.Info("feed connected to %s", s.url)

	for _, ch := range s.channels {
		if err := conn.WriteJSON(subscribeMsg{Event: "subscribe", Channel: ch}); err != nil {
			return true, err
		}
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Close the connection on cancel so the blocking read returns.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-pumpDone:
				return
			}
		}
	}()

	for {
		var frame wireEvent
		if err := conn.ReadJSON(&frame); err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, ok := frame.toEvent()
		if !ok {
			logger.Debug("ignoring frame on unknown channel %q", frame.Channel)
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.dropped.Add(1)
			logger.Warn("feed buffer full, dropping event for item %d", ev.ItemID)
		}
	}
}
