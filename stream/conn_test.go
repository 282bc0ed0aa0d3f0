package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "pulsefeed/config"
	"pulsefeed/models"
)

type fakeTransport struct {
	events chan models.TransportEvent
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan models.TransportEvent, 16)}
}

func (f *fakeTransport) Events() <-chan models.TransportEvent {
	return f.events
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// emit pushes a transport event, ignoring sessions already closed by the
// connection.
func (f *fakeTransport) emit(ev models.TransportEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failErr    error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return nil, d.failErr
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFailErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func testConfig(base time.Duration, maxAttempts int) *appconfig.Config {
	return &appconfig.Config{
		Stream: appconfig.StreamConfig{
			URL:      "ws://test.local/ws",
			Channels: []string{"price_updates", "trades", "alerts", "activities"},
		},
		Channels: appconfig.ChannelsConfig{FrameBuffer: 16, EventBuffer: 16},
		Backoff: appconfig.BackoffConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   appconfig.Duration(base),
			MaxDelay:    appconfig.Duration(100 * base),
			Multiplier:  2,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startConn(t *testing.T, cfg *appconfig.Config, dialer *fakeDialer) *Conn {
	t.Helper()
	conn := NewConn(cfg, dialer.dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(conn.Stop)
	return conn
}

func TestConnectSendsSubscribeAndResetsCounters(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Millisecond, 5), dialer)

	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	ft := dialer.transport(0)
	waitFor(t, "subscribe message", func() bool { return len(ft.sentMessages()) == 1 })

	var req models.SubscribeRequest
	if err := json.Unmarshal(ft.sentMessages()[0], &req); err != nil {
		t.Fatalf("subscribe not valid JSON: %v", err)
	}
	if req.Action != "subscribe" || len(req.Channels) != 4 {
		t.Fatalf("unexpected subscribe request: %+v", req)
	}
	if conn.Attempts() != 0 {
		t.Fatalf("attempt counter not reset after connect: %d", conn.Attempts())
	}
	if conn.LastError() != "" {
		t.Fatalf("error not cleared after connect: %q", conn.LastError())
	}
}

func TestDoubleStartRejected(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Millisecond, 5), dialer)
	if err := conn.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
}

func TestTransportErrorDoesNotTransition(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Millisecond, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	dialer.transport(0).emit(models.TransportEvent{
		Type: models.TransportError,
		Err:  errors.New("tls handshake hiccup"),
	})

	waitFor(t, "error recorded", func() bool { return conn.LastError() != "" })
	if conn.State() != models.StateConnected {
		t.Fatalf("error event must not change state, got %s", conn.State())
	}
}

func TestCloseTriggersBackoffThenReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(100*time.Millisecond, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	dialer.transport(0).emit(models.TransportEvent{Type: models.TransportClose})

	waitFor(t, "reconnecting state", func() bool { return conn.State() == models.StateReconnecting })
	if !conn.reconnectPending() {
		t.Fatalf("no reconnect timer pending in reconnecting state")
	}
	if conn.Attempts() != 1 {
		t.Fatalf("attempt counter = %d, want 1", conn.Attempts())
	}

	waitFor(t, "second connect", func() bool {
		return dialer.dialCount() == 2 && conn.State() == models.StateConnected
	})
	if conn.Attempts() != 0 {
		t.Fatalf("attempt counter not reset after reconnect: %d", conn.Attempts())
	}
	if conn.reconnectPending() {
		t.Fatalf("timer still pending after successful reconnect")
	}
}

func TestRetryExhaustionThenManualReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.setFailErr(fmt.Errorf("connection refused"))
	conn := startConn(t, testConfig(time.Millisecond, 3), dialer)

	// Initial failure plus three failed retries exhaust the budget.
	waitFor(t, "failed state", func() bool { return conn.State() == models.StateFailed })
	if conn.Attempts() != 3 {
		t.Fatalf("attempt counter = %d, want 3", conn.Attempts())
	}
	if conn.reconnectPending() {
		t.Fatalf("failed state must not keep a timer pending")
	}
	if conn.LastError() == "" {
		t.Fatalf("dial failure not recorded")
	}

	dialer.setFailErr(nil)
	conn.Reconnect()

	waitFor(t, "connected after manual reconnect", func() bool { return conn.State() == models.StateConnected })
	if conn.Attempts() != 0 {
		t.Fatalf("manual reconnect must reset attempts, got %d", conn.Attempts())
	}
	if conn.LastError() != "" {
		t.Fatalf("error not cleared after manual reconnect: %q", conn.LastError())
	}
}

func TestReconnectCancelsPendingTimer(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Hour, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	dialer.transport(0).emit(models.TransportEvent{Type: models.TransportClose})
	waitFor(t, "pending timer", func() bool { return conn.reconnectPending() })

	conn.Reconnect()
	waitFor(t, "immediate reconnect", func() bool {
		return dialer.dialCount() == 2 && conn.State() == models.StateConnected
	})
	if conn.reconnectPending() {
		t.Fatalf("manual reconnect left the old timer pending")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Millisecond, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	conn.Disconnect()
	waitFor(t, "disconnected state", func() bool { return conn.State() == models.StateDisconnected })

	conn.Disconnect()
	time.Sleep(10 * time.Millisecond)
	if conn.State() != models.StateDisconnected {
		t.Fatalf("second disconnect changed state to %s", conn.State())
	}
	if conn.reconnectPending() {
		t.Fatalf("disconnect left a timer pending")
	}
	if err := conn.Send(map[string]string{"action": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect: got %v, want ErrNotConnected", err)
	}
}

func TestDisconnectCancelsInFlightDial(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(50*time.Millisecond, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	dialer.transport(0).emit(models.TransportEvent{Type: models.TransportClose})
	conn.Disconnect()

	waitFor(t, "disconnected state", func() bool { return conn.State() == models.StateDisconnected })
	time.Sleep(200 * time.Millisecond)
	if conn.State() != models.StateDisconnected {
		t.Fatalf("stale dial revived connection: %s", conn.State())
	}
}

func TestFramesForwardedInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	conn := startConn(t, testConfig(time.Millisecond, 5), dialer)
	waitFor(t, "connected state", func() bool { return conn.State() == models.StateConnected })

	ft := dialer.transport(0)
	ft.emit(models.TransportEvent{Type: models.TransportMessage, Data: []byte(`{"type":"trade","payload":{},"timestamp":1}`)})
	ft.emit(models.TransportEvent{Type: models.TransportMessage, Data: []byte(`{"type":"alert","payload":{},"timestamp":2}`)})

	for i, want := range []string{"trade", "alert"} {
		select {
		case frame := <-conn.Frames():
			var env models.InboundEnvelope
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				t.Fatalf("frame %d not decodable: %v", i, err)
			}
			if env.Type != want {
				t.Fatalf("frame %d out of order: got %s, want %s", i, env.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never delivered", i)
		}
	}
}

func TestSendRequiresConnectedState(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConn(testConfig(time.Millisecond, 5), dialer.dial)
	if err := conn.Send(map[string]string{"action": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before start: got %v, want ErrNotConnected", err)
	}
}
