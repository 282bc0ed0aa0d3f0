package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"pulsefeed/models"
)

type recorder struct {
	mu   sync.Mutex
	seen []models.InboundEnvelope
}

func (r *recorder) handle(env models.InboundEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) envelope(i int) models.InboundEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[i]
}

func frame(data string) models.RawFrame {
	return models.RawFrame{Data: []byte(data), Received: time.Now()}
}

func waitForCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d envelopes, have %d", want, r.count())
}

func TestDispatchRoutesByType(t *testing.T) {
	frames := make(chan models.RawFrame, 8)
	d := NewDispatcher(frames)

	trades := &recorder{}
	alerts := &recorder{}
	d.Register("trade", trades.handle)
	d.Register("alert", alerts.handle)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		d.Stop()
	}()

	frames <- frame(`{"type":"trade","payload":{"symbol":"BTCUSDT"},"timestamp":1}`)
	frames <- frame(`{"type":"alert","payload":{"level":"warning"},"timestamp":2}`)
	frames <- frame(`{"type":"trade","payload":{"symbol":"ETHUSDT"},"timestamp":3}`)

	waitForCount(t, trades, 2)
	waitForCount(t, alerts, 1)

	if trades.envelope(0).Timestamp != 1 || trades.envelope(1).Timestamp != 3 {
		t.Fatalf("trade envelopes out of order")
	}
}

func TestDispatchDropsMalformedFrames(t *testing.T) {
	frames := make(chan models.RawFrame, 8)
	d := NewDispatcher(frames)

	rec := &recorder{}
	d.Register("trade", rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		d.Stop()
	}()

	frames <- frame(`{"type":"trade","payload":{},"timestamp":1}`)
	frames <- frame(`{not json`)
	frames <- frame(`{"payload":{},"timestamp":2}`) // missing type
	frames <- frame(`{"type":"trade","payload":{},"timestamp":3}`)

	waitForCount(t, rec, 2)
	if rec.envelope(0).Timestamp != 1 || rec.envelope(1).Timestamp != 3 {
		t.Fatalf("valid frames around a malformed one were reordered or lost")
	}
}

func TestDispatchIgnoresUnknownTypes(t *testing.T) {
	frames := make(chan models.RawFrame, 8)
	d := NewDispatcher(frames)

	rec := &recorder{}
	d.Register("trade", rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		d.Stop()
	}()

	frames <- frame(`{"type":"shiny_new_thing","payload":{},"timestamp":1}`)
	frames <- frame(`{"type":"trade","payload":{},"timestamp":2}`)

	waitForCount(t, rec, 1)
	if rec.envelope(0).Type != "trade" {
		t.Fatalf("unexpected envelope delivered: %s", rec.envelope(0).Type)
	}
}

func TestCatchAllSeesEveryEnvelope(t *testing.T) {
	frames := make(chan models.RawFrame, 8)
	d := NewDispatcher(frames)

	typed := &recorder{}
	all := &recorder{}
	d.Register("notification", typed.handle)
	d.RegisterCatchAll(all.handle)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		d.Stop()
	}()

	frames <- frame(`{"type":"notification","payload":{},"timestamp":1}`)
	frames <- frame(`{"type":"price_update","payload":{},"timestamp":2}`)

	waitForCount(t, all, 2)
	waitForCount(t, typed, 1)
}

func TestDoubleStartRejected(t *testing.T) {
	frames := make(chan models.RawFrame)
	d := NewDispatcher(frames)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		d.Stop()
	}()

	if err := d.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
}
