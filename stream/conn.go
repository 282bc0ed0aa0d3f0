package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "pulsefeed/config"
	"pulsefeed/logger"
	"pulsefeed/models"
)

const defaultFrameBuffer = 256

// ErrNotConnected is returned by Send when the stream is not connected.
var ErrNotConnected = errors.New("stream: not connected")

type command int

const (
	cmdDisconnect command = iota
	cmdReconnect
)

type dialResult struct {
	gen       int
	transport Transport
	err       error
}

// Conn owns the single persistent connection to the dashboard event
// endpoint: the transport session, the reconnect schedule around it, and
// every state transition. All transitions happen on one event loop
// goroutine; consumers observe state through State/LastError and receive
// inbound frames on the Frames channel.
type Conn struct {
	url         string
	subscribeTo []string
	policy      Policy
	dial        Dialer
	log         *logger.Log

	frames   chan models.RawFrame
	commands chan command
	dialc    chan dialResult

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	running      bool
	state        models.ConnectionState
	lastErr      string
	attempts     int
	session      Transport
	timerPending bool
}

// NewConn builds a connection for the configured endpoint. A nil dialer
// selects the gorilla/websocket transport.
func NewConn(cfg *appconfig.Config, dial Dialer) *Conn {
	if dial == nil {
		dial = NewWebSocketDialer(cfg.Stream.HandshakeTimeout.Std(), cfg.Channels.EventBuffer)
	}
	frameBuffer := cfg.Channels.FrameBuffer
	if frameBuffer <= 0 {
		frameBuffer = defaultFrameBuffer
	}
	return &Conn{
		url:         cfg.Stream.URL,
		subscribeTo: append([]string(nil), cfg.Stream.Channels...),
		policy:      PolicyFromConfig(cfg.Backoff),
		dial:        dial,
		log:         logger.GetLogger(),
		frames:      make(chan models.RawFrame, frameBuffer),
		commands:    make(chan command, 4),
		dialc:       make(chan dialResult, 1),
		state:       models.StateDisconnected,
	}
}

// Frames is the stream of raw inbound frames in receipt order.
func (c *Conn) Frames() <-chan models.RawFrame {
	return c.frames
}

// State reports the current connection state.
func (c *Conn) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError reports the most recent connection error, empty after a
// successful connect.
func (c *Conn) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Attempts reports the current reconnect attempt counter.
func (c *Conn) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

func (c *Conn) reconnectPending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timerPending
}

// Send marshals v and writes it to the transport. It fails without side
// effects when the connection is not in the connected state.
func (c *Conn) Send(v any) error {
	c.mu.RLock()
	session := c.session
	state := c.state
	c.mu.RUnlock()

	if state != models.StateConnected || session == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return session.Send(data)
}

// Disconnect cancels any pending reconnect timer, closes the transport if
// open and settles in the disconnected state. Safe to call repeatedly and
// from any state.
func (c *Conn) Disconnect() {
	c.enqueue(cmdDisconnect)
}

// Reconnect cancels pending timers, resets the attempt counter and dials
// immediately, regardless of the current state. This is the manual escape
// hatch out of the failed state.
func (c *Conn) Reconnect() {
	c.enqueue(cmdReconnect)
}

func (c *Conn) enqueue(cmd command) {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return
	}
	select {
	case c.commands <- cmd:
	default:
		// Command buffer full: the loop is already processing a burst of
		// commands and will settle on the latest state anyway.
	}
}

// Start launches the event loop and initiates the first connect. It fails
// if the connection is already running.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connection already running")
	}
	c.running = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.log.WithComponent("stream_conn").WithFields(logger.Fields{
		"url":      c.url,
		"channels": c.subscribeTo,
	}).Info("starting stream connection")

	c.wg.Add(1)
	go c.loop(runCtx)
	return nil
}

// Stop tears the connection down: timer and transport are released before
// Stop returns.
func (c *Conn) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.WithComponent("stream_conn").Info("stream connection stopped")
}

// loop is the single goroutine that owns every state transition, the
// transport session and the reconnect timer.
func (c *Conn) loop(ctx context.Context) {
	defer c.wg.Done()

	log := c.log.WithComponent("stream_conn")

	var (
		session Transport
		events  <-chan models.TransportEvent
		timer   *time.Timer
		timerC  <-chan time.Time
		gen     int
	)

	cancelTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
			c.setTimerPending(false)
		}
	}

	scheduleReconnect := func(d time.Duration) {
		cancelTimer()
		timer = time.NewTimer(d)
		timerC = timer.C
		c.setTimerPending(true)
	}

	// detach releases the current session. The pump keeps emitting into its
	// event channel until the close lands, so a drain goroutine takes over
	// consumption; its events no longer reach the state machine.
	detach := func() {
		if session == nil {
			return
		}
		stale := events
		session.Close()
		session = nil
		events = nil
		c.setSession(nil)
		if stale != nil {
			go func() {
				for range stale {
				}
			}()
		}
	}

	startDial := func() {
		gen++
		dialGen := gen
		c.setState(models.StateConnecting)
		logger.IncrementReconnect()
		go func() {
			t, err := c.dial(ctx, c.url)
			select {
			case c.dialc <- dialResult{gen: dialGen, transport: t, err: err}:
			case <-ctx.Done():
				if t != nil {
					t.Close()
				}
			}
		}()
	}

	// handleClose counts retries, not closes: attempts holds the number of
	// retries already spent, so the budget is exhausted when a close arrives
	// with attempts == MaxAttempts, and delays are computed for attempts
	// 1..MaxAttempts only.
	handleClose := func(reason error) {
		detach()
		c.mu.Lock()
		exhausted := c.attempts >= c.policy.MaxAttempts
		if !exhausted {
			c.attempts++
		}
		attempt := c.attempts
		c.mu.Unlock()

		if exhausted {
			cancelTimer()
			c.setState(models.StateFailed)
			log.WithFields(logger.Fields{"attempts": attempt}).Warn("reconnect attempts exhausted, manual reconnect required")
			return
		}

		delay := c.policy.Delay(attempt)
		c.setState(models.StateReconnecting)
		scheduleReconnect(delay)
		entry := log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()})
		if reason != nil {
			entry = entry.WithError(reason)
		}
		entry.Info("connection closed, reconnect scheduled")
	}

	startDial()

	for {
		select {
		case <-ctx.Done():
			cancelTimer()
			detach()
			c.setState(models.StateDisconnected)
			return

		case cmd := <-c.commands:
			switch cmd {
			case cmdDisconnect:
				gen++ // invalidate any in-flight dial
				cancelTimer()
				detach()
				c.setState(models.StateDisconnected)
			case cmdReconnect:
				cancelTimer()
				detach()
				c.mu.Lock()
				c.attempts = 0
				c.mu.Unlock()
				startDial()
			}

		case r := <-c.dialc:
			if r.gen != gen {
				// A reconnect or disconnect superseded this dial.
				if r.transport != nil {
					r.transport.Close()
				}
				continue
			}
			if r.err != nil {
				c.setLastError(r.err.Error())
				log.WithError(r.err).Warn("failed to open stream transport")
				handleClose(r.err)
				continue
			}
			session = r.transport
			events = session.Events()
			c.setSession(session)
			c.mu.Lock()
			c.attempts = 0
			c.lastErr = ""
			c.mu.Unlock()
			c.setState(models.StateConnected)
			if err := c.sendSubscribe(session); err != nil {
				log.WithError(err).Warn("failed to send subscribe request")
			} else {
				log.WithFields(logger.Fields{"channels": c.subscribeTo}).Info("subscribed to channels")
			}

		case ev, ok := <-events:
			if !ok {
				// Pump exited without a close event; treat it as one.
				events = nil
				handleClose(nil)
				continue
			}
			switch ev.Type {
			case models.TransportMessage:
				c.forwardFrame(ev.Data)
			case models.TransportError:
				// An error alone records the failure; the close event that
				// follows drives the transition.
				if ev.Err != nil {
					c.setLastError(ev.Err.Error())
					log.WithError(ev.Err).Warn("transport error")
				}
			case models.TransportClose:
				handleClose(ev.Err)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			c.setTimerPending(false)
			startDial()
		}
	}
}

func (c *Conn) sendSubscribe(session Transport) error {
	data, err := json.Marshal(models.SubscribeRequest{
		Action:   "subscribe",
		Channels: c.subscribeTo,
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	return session.Send(data)
}

func (c *Conn) forwardFrame(data []byte) {
	frame := models.RawFrame{Data: data, Received: time.Now().UTC()}
	select {
	case c.frames <- frame:
		logger.IncrementFrameRead(len(data))
	default:
		logger.IncrementFrameDropped()
		c.log.WithComponent("stream_conn").Warn("frame buffer full, dropping frame")
	}
}

func (c *Conn) setState(state models.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev != state {
		c.log.WithComponent("stream_conn").WithFields(logger.Fields{
			"from": string(prev),
			"to":   string(state),
		}).Debug("connection state changed")
	}
}

func (c *Conn) setLastError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *Conn) setSession(session Transport) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Conn) setTimerPending(pending bool) {
	c.mu.Lock()
	c.timerPending = pending
	c.mu.Unlock()
}
