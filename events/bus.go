package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/metrics"
)

const subscriberBuffer = 64

// Bus fans events out to two best-effort sinks: in-process subscribers
// (the live client gateway) and, when a broker is configured, the external
// channel. Broker absence or failure never blocks or fails emission.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int

	broker *redis.Client
}

func NewBus(broker *redis.Client) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		broker:      broker,
	}
}

// Subscribe registers an in-process subscriber. Delivery order matches
// emission order for events published from a single goroutine. The returned
// cancel func must be called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish emits an event to all sinks. Local dispatch happens synchronously
// under the bus lock, which preserves per-publisher ordering; a subscriber
// that cannot keep up has the event dropped and logged rather than blocking
// the publisher.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			metrics.Metrics.EventsPublished.WithLabelValues("local", "true").Inc()
		default:
			metrics.Metrics.EventsPublished.WithLabelValues("local", "false").Inc()
			log.Log(ev.VideoID, "dropping event for slow subscriber", "event_type", ev.Type)
		}
	}
	b.mu.Unlock()

	b.publishBroker(ctx, ev)
}

func (b *Bus) publishBroker(ctx context.Context, ev Event) {
	if b.broker == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.LogError(ev.VideoID, "failed to serialize event for broker", err, "event_type", ev.Type)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.broker.Publish(ctx, config.EventsChannel, payload).Err(); err != nil {
		// Fire and forget: a missing or unhealthy broker must not fail the
		// pipeline that emitted the event.
		metrics.Metrics.EventsPublished.WithLabelValues("broker", "false").Inc()
		log.LogError(ev.VideoID, "failed to publish event to broker", err, "event_type", ev.Type, "channel", config.EventsChannel)
		return
	}
	metrics.Metrics.EventsPublished.WithLabelValues("broker", "true").Inc()
}
