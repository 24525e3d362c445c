package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vodforge/transcode-api/video"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	ctx := context.Background()
	bus.Publish(ctx, NewEvent(EventTranscodingStarted, "vid-1", nil))
	bus.Publish(ctx, NewEvent(EventTranscodingProgress, "vid-1", Progress(video.ResolutionLow, 5)))
	bus.Publish(ctx, NewEvent(EventTranscodingCompleted, "vid-1", nil))

	want := []EventType{EventTranscodingStarted, EventTranscodingProgress, EventTranscodingCompleted}
	for _, w := range want {
		select {
		case ev := <-ch:
			require.Equal(t, w, ev.Type)
			require.Equal(t, "vid-1", ev.VideoID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(context.Background(), NewEvent(EventUploadCompleted, "vid-1", nil))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, EventUploadCompleted, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestBusDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish more than the buffer holds; nothing reads the channel.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(context.Background(), NewEvent(EventTranscodingProgress, "vid-1", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(context.Background(), NewEvent(EventUploadCompleted, "vid-1", nil))

	// The channel is closed on cancel, so a receive must report not-ok.
	_, ok := <-ch
	require.False(t, ok)
}

func TestBusSurvivesMissingBroker(t *testing.T) {
	// A nil broker client selects local-only mode; publishing must not panic
	// or block.
	bus := NewBus(nil)
	bus.Publish(context.Background(), NewEvent(EventTranscodingFailed, "vid-1", map[string]interface{}{
		"resolution": "medium",
		"error":      "encoder exited with code 1",
	}))
}
