package midiio

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// ToWireChannel maps a 1-based configuration channel to the 0-based
// channel gomidi expects on the wire.
func ToWireChannel(configChannel int) uint8 {
	if configChannel < 1 {
		configChannel = 1
	}
	if configChannel > 16 {
		configChannel = 16
	}
	return uint8(configChannel - 1)
}

// GatewayConfig configures a Gateway's throttling and dispatch behavior.
type GatewayConfig struct {
	ThrottleMs  int // CC throttle interval; default 10ms
	DispatchTick time.Duration // drain interval; default 1ms
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.ThrottleMs <= 0 {
		c.ThrottleMs = 10
	}
	if c.DispatchTick <= 0 {
		c.DispatchTick = time.Millisecond
	}
	return c
}

// Gateway owns the output port handle, a CC throttler, and a
// priority-ordered dispatch queue, and tracks send-latency statistics. On
// close it sends All-Notes-Off on every channel it has used before
// releasing the port.
type Gateway struct {
	cfg GatewayConfig

	mu         sync.Mutex
	port       drivers.Out
	send       func(msg midi.Message) error
	connected  bool
	usedChans  map[uint8]bool

	throttler *ccThrottler
	queue     *priorityQueue
	stats     *latencyTracker
	logger    *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewGateway wraps an opaque port handle and send function (as produced by
// OpenPort) into a Gateway.
func NewGateway(port drivers.Out, send func(msg midi.Message) error, cfg GatewayConfig, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[midiio] ", log.LstdFlags)
	}
	return &Gateway{
		cfg:       cfg.withDefaults(),
		port:      port,
		send:      send,
		connected: true,
		usedChans: make(map[uint8]bool),
		throttler: newCCThrottler(cfg.ThrottleMs),
		queue:     newPriorityQueue(),
		stats:     newLatencyTracker(),
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background dispatch loop that drains the priority
// queue and any due throttled CC values every DispatchTick.
func (g *Gateway) Start() {
	go g.dispatchLoop()
}

// Stop halts dispatch, sends All-Notes-Off on every channel used, and
// releases the port. Idempotent.
func (g *Gateway) Stop() {
	g.once.Do(func() {
		close(g.stopCh)
		<-g.doneCh
		g.allNotesOff()
		g.mu.Lock()
		port := g.port
		g.connected = false
		g.mu.Unlock()
		if port != nil {
			_ = port.Close()
		}
	})
}

func (g *Gateway) dispatchLoop() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.cfg.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			for _, item := range g.queue.drainDue(now) {
				item.send()
			}
			for key, value := range g.throttler.due(now) {
				g.dispatchControlChange(key.channel, key.cc, value)
			}
		}
	}
}

// Connected reports whether the gateway believes its port is usable.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Stats returns a snapshot of send-latency statistics.
func (g *Gateway) Stats() LatencyStats {
	return g.stats.snapshot()
}

// QueueDepth reports how many messages are currently pending dispatch.
func (g *Gateway) QueueDepth() int {
	return g.queue.len()
}

// SendNoteOn sends a Note On immediately.
func (g *Gateway) SendNoteOn(channel, note, velocity uint8) error {
	if velocity == 0 {
		velocity = 1 // Note On velocity is 1..127 on the wire
	}
	return g.sendNow(channel, midi.NoteOn(channel, note, velocity))
}

// SendNoteOff sends a Note Off immediately.
func (g *Gateway) SendNoteOff(channel, note, velocity uint8) error {
	return g.sendNow(channel, midi.NoteOff(channel, note))
}

// SendControlChange sends a CC, subject to the per-(channel,cc) throttle.
// If throttled, the value is coalesced and emitted later by the dispatch
// loop; the call still returns nil (the send is merely deferred).
func (g *Gateway) SendControlChange(channel, cc, value uint8) error {
	if !g.throttler.accept(channel, cc, value, time.Now()) {
		return nil
	}
	return g.dispatchControlChange(channel, cc, value)
}

// ScheduleNoteOn queues a Note On for dispatch at a future monotonic time.
func (g *Gateway) ScheduleNoteOn(due time.Time, channel, note, velocity uint8) {
	g.queue.schedule(due, PriorityNote, func() {
		if err := g.SendNoteOn(channel, note, velocity); err != nil {
			g.logger.Printf("scheduled note-on failed: %v", err)
		}
	})
}

// ScheduleControlChange queues a CC for dispatch at a future monotonic time.
func (g *Gateway) ScheduleControlChange(due time.Time, channel, cc, value uint8) {
	g.queue.schedule(due, PriorityCC, func() {
		if err := g.SendControlChange(channel, cc, value); err != nil {
			g.logger.Printf("scheduled CC failed: %v", err)
		}
	})
}

func (g *Gateway) dispatchControlChange(channel, cc, value uint8) error {
	return g.sendNow(channel, midi.ControlChange(channel, cc, value))
}

func (g *Gateway) sendNow(channel uint8, msg midi.Message) error {
	start := time.Now()

	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return fmt.Errorf("midiio: gateway disconnected")
	}
	send := g.send
	g.usedChans[channel] = true
	g.mu.Unlock()

	err := g.safeSend(send, msg)
	g.stats.record(time.Since(start))

	if err != nil {
		g.mu.Lock()
		g.connected = false
		g.mu.Unlock()
		g.logger.Printf("midi send failed, gateway marked disconnected: %v", err)
		return fmt.Errorf("midiio: send failed: %w", err)
	}
	return nil
}

// safeSend isolates panics from the underlying driver; a panicking send
// marks the gateway disconnected rather than propagating.
func (g *Gateway) safeSend(send func(midi.Message) error, msg midi.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in midi send: %v", r)
		}
	}()
	return send(msg)
}

// allNotesOff sends CC 123 value 0 on every channel used since open.
func (g *Gateway) allNotesOff() {
	g.mu.Lock()
	channels := make([]uint8, 0, len(g.usedChans))
	for ch := range g.usedChans {
		channels = append(channels, ch)
	}
	send := g.send
	g.mu.Unlock()

	for _, ch := range channels {
		if send == nil {
			continue
		}
		if err := g.safeSend(send, midi.ControlChange(ch, 123, 0)); err != nil {
			g.logger.Printf("all-notes-off failed on channel %d: %v", ch, err)
		}
	}
}
