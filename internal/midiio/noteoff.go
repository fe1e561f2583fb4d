package midiio

import (
	"container/heap"
	"log"
	"sync"
	"time"
)

// scheduledNoteOff is one pending release.
type scheduledNoteOff struct {
	due      time.Time
	channel  uint8
	note     uint8
	velocity uint8
}

type noteOffHeap []*scheduledNoteOff

func (h noteOffHeap) Len() int            { return len(h) }
func (h noteOffHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h noteOffHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *noteOffHeap) Push(x any)         { *h = append(*h, x.(*scheduledNoteOff)) }
func (h *noteOffHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NoteOffScheduler is a time-ordered min-heap of pending note-off
// releases. A background goroutine wakes at least every millisecond and
// releases every entry whose timestamp has passed.
type NoteOffScheduler struct {
	mu     sync.Mutex
	heap   noteOffHeap
	onDue  func(channel, note, velocity uint8)
	logger *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewNoteOffScheduler creates a scheduler that invokes onDue for every
// note-off whose delay has elapsed.
func NewNoteOffScheduler(onDue func(channel, note, velocity uint8), logger *log.Logger) *NoteOffScheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[noteoff] ", log.LstdFlags)
	}
	return &NoteOffScheduler{
		onDue:  onDue,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Schedule inserts a release at now+delay for the given note.
func (s *NoteOffScheduler) Schedule(channel, note, velocity uint8, delay time.Duration) {
	s.mu.Lock()
	heap.Push(&s.heap, &scheduledNoteOff{
		due:      time.Now().Add(delay),
		channel:  channel,
		note:     note,
		velocity: velocity,
	})
	s.mu.Unlock()
}

// Start runs the drain loop in its own goroutine.
func (s *NoteOffScheduler) Start() {
	go s.run()
}

// Stop halts the drain loop without sending pending note-offs and waits
// for it to exit. Idempotent.
func (s *NoteOffScheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *NoteOffScheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.drain(now)
		}
	}
}

func (s *NoteOffScheduler) drain(now time.Time) {
	var due []*scheduledNoteOff
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		due = append(due, heap.Pop(&s.heap).(*scheduledNoteOff))
	}
	s.mu.Unlock()

	for _, n := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("recovered from note-off callback panic: %v", r)
				}
			}()
			if s.onDue != nil {
				s.onDue(n.channel, n.note, n.velocity)
			}
		}()
	}
}

// Pending reports how many note-offs are currently scheduled.
func (s *NoteOffScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
