package receiver

import (
	"context"
	"testing"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/bus"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSendMetricsRejectsEmptyRequest(t *testing.T) {
	r := New(bus.New(4), nil, nil, 0)
	_, err := r.SendMetrics(context.Background(), &metricspb.MetricsRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSendMetricsRejectsMissingMetricName(t *testing.T) {
	r := New(bus.New(4), nil, nil, 0)
	req := &metricspb.MetricsRequest{Data: []metricspb.Datum{{}}}
	_, err := r.SendMetrics(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSendMetricsPublishesMergedBatch(t *testing.T) {
	b := bus.New(4)
	ch, unsub := b.Subscribe("test")
	defer unsub()

	r := New(b, nil, nil, 0)
	req := &metricspb.MetricsRequest{
		SharedDimensions: []metricspb.Dimension{{Name: "env", Kind: "string", String: "prod"}},
		Data:             []metricspb.Datum{{Metric: "requests"}},
	}

	reply, err := r.SendMetrics(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Code != metricspb.ReplyOK {
		t.Fatalf("expected ok reply, got %q", reply.Code)
	}

	batch := <-ch
	if len(batch.Data) != 1 || len(batch.Data[0].Dimensions) != 1 {
		t.Fatalf("expected merged batch with 1 datum and 1 dimension, got %#v", batch)
	}
}

func TestSendMetricsRejectsOversizedRequest(t *testing.T) {
	r := New(bus.New(4), nil, nil, 1)
	req := &metricspb.MetricsRequest{
		Data: []metricspb.Datum{{Metric: "a"}, {Metric: "b"}},
	}
	_, err := r.SendMetrics(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSendMetricsReturnsResourceExhaustedOnBusOverflow(t *testing.T) {
	b := bus.New(1)
	ch, unsub := b.Subscribe("sink")
	defer unsub()

	r := New(b, nil, nil, 0)
	req := &metricspb.MetricsRequest{Data: []metricspb.Datum{{Metric: "requests"}}}

	if _, err := r.SendMetrics(context.Background(), req); err != nil {
		t.Fatalf("first send: unexpected error: %v", err)
	}

	_, err := r.SendMetrics(context.Background(), req)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted on overflow, got %v", err)
	}

	<-ch // drain so the test doesn't leak a blocked subscriber
}

func TestKeyAuthenticatorRejectsMissingCredential(t *testing.T) {
	a := NewKeyAuthenticator([]string{"secret"})
	if err := a.Authenticate(context.Background()); err == nil {
		t.Fatalf("expected error for missing metadata")
	}
}
