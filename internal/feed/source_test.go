package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/marketledger/internal/config"
	"github.com/rewired-gh/marketledger/internal/models"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func feedConfig(url string) config.FeedConfig {
	return config.FeedConfig{
		URL:                 url,
		ReconnectMinBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff: 50 * time.Millisecond,
		BufferSize:          16,
	}
}

func TestSourceDecodesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume the subscribe frames first.
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil || sub.Event != "subscribe" {
			t.Errorf("subscribe frame = %+v, %v", sub, err)
			return
		}

		conn.WriteJSON(wireEvent{
			Channel:      "sales",
			ItemID:       5,
			WorldID:      40,
			PricePerUnit: 900,
			Quantity:     2,
			HQ:           true,
			Total:        1800,
			Timestamp:    1700000000,
		})
		conn.WriteJSON(wireEvent{Channel: "weird", ItemID: 1, WorldID: 1})
		conn.WriteJSON(wireEvent{
			Channel:      "listings",
			ItemID:       6,
			WorldID:      40,
			PricePerUnit: 120,
			Quantity:     1,
			Total:        120,
			Timestamp:    1700000001,
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	source := NewSource(feedConfig(wsURL(server)), []string{"sales"})
	ctx, cancel := context.WithCancel(context.Background())
	go source.Run(ctx)

	var got []models.PriceEvent
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-source.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("received %d events before deadline, want 2", len(got))
		}
	}
	cancel()

	if got[0].Kind != models.Sale || got[0].ItemID != 5 || !got[0].HQ || got[0].PricePerUnit != 900 {
		t.Errorf("first event = %+v, want HQ sale of item 5 at 900", got[0])
	}
	if !got[0].Timestamp.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("timestamp = %v, want unix 1700000000", got[0].Timestamp)
	}
	if got[1].Kind != models.Listing || got[1].ItemID != 6 {
		t.Errorf("second event = %+v, want listing for item 6", got[1])
	}
}

func TestSourceReconnectsAfterDrop(t *testing.T) {
	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connects.Add(1)
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteJSON(wireEvent{
			Channel:      "sales",
			ItemID:       7,
			WorldID:      40,
			PricePerUnit: 500,
			Quantity:     1,
			Total:        500,
			Timestamp:    1700000002,
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	source := NewSource(feedConfig(wsURL(server)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx)

	select {
	case ev := <-source.Events():
		if ev.ItemID != 7 {
			t.Errorf("event = %+v, want item 7", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event after reconnect")
	}
	if connects.Load() < 2 {
		t.Errorf("connects = %d, want at least 2", connects.Load())
	}
}

func TestSourceStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	source := NewSource(feedConfig(wsURL(server)), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		source.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	if _, open := <-source.Events(); open {
		// Drain until closed; Run closes the channel on exit.
		for range source.Events() {
		}
	}
}
