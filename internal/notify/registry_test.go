package notify

import (
	"testing"

	"github.com/rewired-gh/marketledger/internal/models"
)

func TestPublishReachesOnlyMatchingSubscribers(t *testing.T) {
	r := NewRegistry()
	item := r.SubscribeItem(7, 4)
	series := r.SubscribeSeries(models.SeriesKey{Name: "wealth", CharacterID: 1}, 4)

	r.PublishBatch([]string{"item:7"})

	select {
	case key := <-item.C:
		if key != "item:7" {
			t.Errorf("received %q, want item:7", key)
		}
	default:
		t.Fatalf("item subscriber received nothing")
	}
	select {
	case key := <-series.C:
		t.Errorf("series subscriber received %q, want nothing", key)
	default:
	}
}

func TestSeriesSubscription(t *testing.T) {
	r := NewRegistry()
	key := models.SeriesKey{Name: "wealth", CharacterID: 42}
	sub := r.SubscribeSeries(key, 1)

	r.PublishBatch([]string{key.NotifyKey()})

	select {
	case got := <-sub.C:
		if got != "series:wealth:42" {
			t.Errorf("received %q, want series:wealth:42", got)
		}
	default:
		t.Fatalf("series subscriber received nothing")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := NewRegistry()
	r.SubscribeItem(7, 1)

	r.PublishBatch([]string{"item:7"})
	r.PublishBatch([]string{"item:7"}) // buffer full, must not block

	if got := r.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := NewRegistry()
	sub := r.SubscribeItem(7, 1)
	r.Unsubscribe(sub.ID)

	if _, ok := <-sub.C; ok {
		t.Errorf("channel still open after Unsubscribe")
	}

	// Publishing to a key with no subscribers is a no-op.
	r.PublishBatch([]string{"item:7"})

	// Unknown IDs are ignored.
	r.Unsubscribe(sub.ID)
}

func TestCatalogSubscription(t *testing.T) {
	r := NewRegistry()
	sub := r.SubscribeCatalog(1)

	r.PublishCatalog()

	select {
	case <-sub.C:
	default:
		t.Fatalf("catalog subscriber received nothing")
	}

	r.Unsubscribe(sub.ID)
	if _, ok := <-sub.C; ok {
		t.Errorf("catalog channel still open after Unsubscribe")
	}
}
