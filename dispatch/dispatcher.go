package dispatch

import (
	"context"
	"fmt"
	"sync"

	"pulsefeed/logger"
	"pulsefeed/models"
)

// Handler consumes one decoded envelope. Handlers run on the dispatcher
// goroutine, so frames are delivered to every consumer in receipt order.
type Handler func(models.InboundEnvelope)

// Dispatcher decodes raw frames into envelopes and fans them out by type.
// Malformed frames are dropped here and never reach a consumer; envelope
// types nobody registered for are ignored, keeping the pipeline forward
// compatible with new server message kinds.
type Dispatcher struct {
	frames   <-chan models.RawFrame
	log      *logger.Log
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	handlers map[string][]Handler
	catchAll []Handler
}

// NewDispatcher creates a dispatcher reading from the given frame stream.
func NewDispatcher(frames <-chan models.RawFrame) *Dispatcher {
	return &Dispatcher{
		frames:   frames,
		log:      logger.GetLogger(),
		wg:       &sync.WaitGroup{},
		handlers: make(map[string][]Handler),
	}
}

// Register adds a handler for one envelope type. Registration must happen
// before Start.
func (d *Dispatcher) Register(envelopeType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[envelopeType] = append(d.handlers[envelopeType], h)
}

// RegisterCatchAll adds a handler that receives every valid envelope
// regardless of type.
func (d *Dispatcher) RegisterCatchAll(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.catchAll = append(d.catchAll, h)
}

// Start begins consuming frames until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"types": d.registeredTypes(),
	}).Info("starting dispatcher")

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop waits for the dispatch loop to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) registeredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher")

	for {
		select {
		case <-ctx.Done():
			log.Info("dispatch loop stopped due to context cancellation")
			return
		case frame, ok := <-d.frames:
			if !ok {
				log.Info("frame stream closed, dispatch loop exiting")
				return
			}
			d.dispatch(frame)
		}
	}
}

func (d *Dispatcher) dispatch(frame models.RawFrame) {
	log := d.log.WithComponent("dispatcher")

	env, err := models.DecodeEnvelope(frame.Data)
	if err != nil {
		// Malformed input must never crash or stall the pipeline.
		log.WithError(err).WithFields(logger.Fields{"size": len(frame.Data)}).Debug("dropping malformed frame")
		return
	}

	d.mu.RLock()
	typed := d.handlers[env.Type]
	catchAll := d.catchAll
	d.mu.RUnlock()

	if len(typed) == 0 && len(catchAll) == 0 {
		log.WithFields(logger.Fields{"type": env.Type}).Debug("no handler for envelope type")
		return
	}

	logger.RecordChannelMessage("envelopes", len(frame.Data))
	for _, h := range typed {
		h(env)
	}
	for _, h := range catchAll {
		h(env)
	}
}
