package bus

import (
	"testing"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
)

func TestSendDeliversToAllSubscribers(t *testing.T) {
	b := New(4)
	ch1, unsub1 := b.Subscribe("one")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("two")
	defer unsub2()

	batch := Batch{Data: []metricspb.Datum{{Metric: "requests"}}}
	b.Send(batch)

	got1 := <-ch1
	got2 := <-ch2
	if len(got1.Data) != 1 || len(got2.Data) != 1 {
		t.Fatalf("expected both subscribers to receive the batch")
	}
}

func TestSendDropsOldestWhenSubscriberFull(t *testing.T) {
	b := New(1)
	ch, unsub := b.Subscribe("slow")
	defer unsub()

	if ok := b.Send(Batch{Data: []metricspb.Datum{{Metric: "first"}}}); !ok {
		t.Fatalf("expected first send into an empty channel to succeed")
	}
	if ok := b.Send(Batch{Data: []metricspb.Datum{{Metric: "second"}}}); ok {
		t.Fatalf("expected second send to report queue full")
	}

	got := <-ch
	if got.Data[0].Metric != "second" {
		t.Fatalf("expected the newest batch to survive, got %q", got.Data[0].Metric)
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	b := New(4)
	_, unsub := b.Subscribe("temp")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	unsub()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}
