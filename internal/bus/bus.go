// Package bus implements a bounded, lossy-on-overflow broadcast queue used
// to fan a single stream of ingested batches out to every configured sink.
package bus

import (
	"sync"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCapacity matches the buffer size the reference implementation
// gives its broadcast channel.
const DefaultCapacity = 4096

var (
	sendTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_send_total",
		Help: "Total number of batches published to the bus.",
	})
	subscriberLagTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_subscriber_lag_total",
			Help: "Total number of batches dropped for a subscriber that could not keep up.",
		},
		[]string{"subscriber"},
	)
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bus_subscribers",
		Help: "Current number of active bus subscribers.",
	})
)

// Batch is a single unit of fan-out: one MetricsRequest's worth of data,
// already dimension-merged.
type Batch struct {
	Data []metricspb.Datum
}

// Bus is a multi-producer, multi-consumer broadcast queue. Send never
// blocks the producer: a subscriber that falls behind has its oldest
// unread batches dropped rather than stalling ingestion.
type Bus struct {
	capacity int

	mu   sync.Mutex
	subs map[string]chan Batch
}

// New returns a Bus with the given per-subscriber channel capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string]chan Batch),
	}
}

// Subscribe registers a new consumer identified by name (used only for
// metric labeling) and returns a channel of batches plus an unsubscribe
// function. Calling unsubscribe more than once is a no-op.
func (b *Bus) Subscribe(name string) (<-chan Batch, func()) {
	ch := make(chan Batch, b.capacity)

	b.mu.Lock()
	b.subs[name] = ch
	subscribersGauge.Set(float64(len(b.subs)))
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.subs[name]; ok && cur == ch {
				delete(b.subs, name)
				subscribersGauge.Set(float64(len(b.subs)))
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Send publishes batch to every current subscriber. A subscriber whose
// channel is already full has its oldest queued batch evicted to make room;
// the producer never blocks. Send reports ok=false if any subscriber had no
// spare capacity for batch (a drop occurred), the QueueFull condition the
// caller maps to resource_exhausted.
func (b *Bus) Send(batch Batch) (ok bool) {
	sendTotal.Inc()
	ok = true

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.subs {
		select {
		case ch <- batch:
		default:
			// This subscriber had no capacity: it's the QueueFull condition.
			// Evict its oldest queued batch to make room for this one so the
			// bus stays current, but still report the drop to the caller.
			ok = false
			select {
			case <-ch:
				subscriberLagTotal.WithLabelValues(name).Inc()
			default:
			}
			select {
			case ch <- batch:
			default:
				subscriberLagTotal.WithLabelValues(name).Inc()
			}
		}
	}
	return ok
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
