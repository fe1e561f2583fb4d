// Package engine wires the composition core together: parameter store,
// sequencer (which owns the clock), MIDI gateway, note-off scheduler,
// mutation engine, and idle manager. The host process parses
// configuration, selects the output port, routes inbound MIDI into
// SetParameter/Touch, and calls Start/Stop around a signal wait; nothing
// here parses flags or files.
package engine

import (
	"log"
	"math/rand"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/oberones/mysterymelodymachine/composer/idle"
	"github.com/oberones/mysterymelodymachine/composer/mutation"
	"github.com/oberones/mysterymelodymachine/composer/params"
	"github.com/oberones/mysterymelodymachine/composer/sequencer"
	"github.com/oberones/mysterymelodymachine/internal/midiio"
)

// Config bundles the host-supplied configuration.
type Config struct {
	Channel   int // 1-based output channel
	Sequencer sequencer.Config
	Gateway   midiio.GatewayConfig
	Mutation  mutation.Config
	Idle      idle.Config

	// Initial parameter values, written with source config before anything
	// starts. Unknown names are accepted.
	Params map[string]any
}

// Engine is the assembled composition core.
type Engine struct {
	Store     *params.Store
	Sequencer *sequencer.Sequencer
	Gateway   *midiio.Gateway
	NoteOffs  *midiio.NoteOffScheduler
	Mutation  *mutation.Engine
	Idle      *idle.Manager

	channel uint8
	logger  *log.Logger
}

// New builds and wires the core around an opened output port. rng and
// fugueRng separate the step-gate randomness from fugue generation so
// tests can pin either independently; nil values get defaults.
func New(port drivers.Out, send func(msg midi.Message) error, cfg Config, rng, fugueRng *rand.Rand, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[engine] ", log.LstdFlags)
	}

	store := params.New(nil)
	if len(cfg.Params) > 0 {
		store.UpdateMultiple(cfg.Params, params.SourceConfig)
	}

	seq, err := sequencer.New(store, cfg.Sequencer, rng, fugueRng, nil)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Store:     store,
		Sequencer: seq,
		Gateway:   midiio.NewGateway(port, send, cfg.Gateway, nil),
		Mutation:  mutation.New(cfg.Mutation, store, nil, nil),
		Idle:      idle.New(cfg.Idle, store, nil),
		channel:   midiio.ToWireChannel(cfg.Channel),
		logger:    logger,
	}

	e.NoteOffs = midiio.NewNoteOffScheduler(func(channel, note, velocity uint8) {
		if err := e.Gateway.SendNoteOff(channel, note, velocity); err != nil {
			logger.Printf("note-off send failed: %v", err)
		}
	}, nil)

	seq.SetNoteCallback(e.onNote)
	e.Mutation.SetIdleManager(e.Idle)
	return e, nil
}

// onNote runs on the clock goroutine: send the note-on immediately and
// hand the release to the off-thread scheduler.
func (e *Engine) onNote(evt sequencer.NoteEvent) {
	if evt.Note < 0 || evt.Note > 127 {
		return
	}
	velocity := uint8(evt.Velocity)
	note := uint8(evt.Note)
	if err := e.Gateway.SendNoteOn(e.channel, note, velocity); err != nil {
		e.logger.Printf("note-on send failed: %v", err)
		return
	}
	e.NoteOffs.Schedule(e.channel, note, 0, evt.Duration)
}

// SetParameter is the inbound-routing entry point: the host's MIDI-input
// router translates raw messages into semantic updates here (source midi),
// touching the idle timer as a side effect.
func (e *Engine) SetParameter(name string, value any) bool {
	e.Idle.Touch()
	return e.Store.Set(name, value, params.SourceMIDI)
}

// Touch records a user interaction without a parameter change.
func (e *Engine) Touch() {
	e.Idle.Touch()
}

// Start launches every background loop: MIDI dispatch, note-off drain,
// idle monitor, mutation loop, and the sequencer's clock.
func (e *Engine) Start() {
	e.Gateway.Start()
	e.NoteOffs.Start()
	e.Idle.Start()
	e.Mutation.Start()
	e.Sequencer.Start()
}

// Stop halts everything in reverse order; the gateway closes last so
// note-offs already due can still drain, then All-Notes-Off goes out on
// every used channel. Idempotent.
func (e *Engine) Stop() {
	e.Sequencer.Stop()
	e.Mutation.Stop()
	e.Idle.Stop()
	e.NoteOffs.Stop()
	e.Gateway.Stop()
}
