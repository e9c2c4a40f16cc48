package tts

import (
	"sync"
	"time"
)

// DefaultFlushDelay bounds how long trailing text without punctuation waits
// before being spoken anyway.
const DefaultFlushDelay = 500 * time.Millisecond

// State is the per-session synthesis state: the chunking buffer, the pending
// flush timer for trailing text, and the once-per-turn announcement flag.
// Emitted chunks go to emit, which runs on the caller's goroutine for
// synchronous chunks and on the timer goroutine for delayed flushes.
type State struct {
	mu         sync.Mutex
	buf        Buffer
	emit       func(text string)
	flushDelay time.Duration
	timer      *time.Timer
	announced  bool
}

func NewState(flushDelay time.Duration, emit func(string)) *State {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &State{emit: emit, flushDelay: flushDelay}
}

// Add feeds one upstream text delta. Complete chunks are emitted immediately;
// a partial tail arms the flush timer so it is spoken even if the stream
// stalls mid-sentence.
func (s *State) Add(delta string) {
	s.mu.Lock()
	chunk := s.buf.Add(delta)
	s.stopTimerLocked()
	if s.buf.Len() > 0 {
		s.timer = time.AfterFunc(s.flushDelay, s.timedFlush)
	}
	s.mu.Unlock()

	if chunk != "" && s.emit != nil {
		s.emit(chunk)
	}
}

func (s *State) timedFlush() {
	s.mu.Lock()
	tail := s.buf.Flush()
	s.mu.Unlock()

	if tail != "" && s.emit != nil {
		s.emit(tail)
	}
}

// EndTurn flushes remaining text and clears the announcement flag for the
// next turn.
func (s *State) EndTurn() {
	s.mu.Lock()
	s.stopTimerLocked()
	tail := s.buf.Flush()
	s.announced = false
	s.mu.Unlock()

	if tail != "" && s.emit != nil {
		s.emit(tail)
	}
}

// Interrupt discards buffered text without speaking it.
func (s *State) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.buf.Reset()
	s.announced = false
}

// Announce reports whether this is the first output of the turn; the first
// caller gets true and flips the flag.
func (s *State) Announce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announced {
		return false
	}
	s.announced = true
	return true
}

func (s *State) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
