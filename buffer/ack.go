package buffer

import (
	"sync"
	"time"
)

// AcknowledgementSet tracks the delivery of a group of records. Its
// callback runs once: with the AND of every release result after Complete
// has been called and every handle released, or with false when the
// timeout expires first.
type AcknowledgementSet struct {
	mu        sync.Mutex
	callback  func(success bool)
	pending   int
	result    bool
	completed bool
	done      bool
	timer     *time.Timer
}

// NewAcknowledgementSet starts the timeout clock straight away.
func NewAcknowledgementSet(callback func(success bool), timeout time.Duration) *AcknowledgementSet {
	s := &AcknowledgementSet{callback: callback, result: true}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() { s.finish(false, true) })
	}
	return s
}

// NewHandle adds one record to the set.
func (s *AcknowledgementSet) NewHandle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending++
	return &Handle{set: s}
}

// Complete marks that no more handles will be added.
func (s *AcknowledgementSet) Complete() {
	s.mu.Lock()
	s.completed = true
	ready := s.pending == 0
	s.mu.Unlock()
	if ready {
		s.finish(true, false)
	}
}

func (s *AcknowledgementSet) release(result bool) {
	s.mu.Lock()
	s.pending--
	s.result = s.result && result
	ready := s.completed && s.pending == 0
	s.mu.Unlock()
	if ready {
		s.finish(true, false)
	}
}

// finish fires the callback unless it already ran. A timeout reports
// false regardless of the releases seen so far.
func (s *AcknowledgementSet) finish(result bool, timedOut bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	if !timedOut {
		result = s.result
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.callback(result)
}

// Handle is one record's share of an AcknowledgementSet.
type Handle struct {
	set  *AcknowledgementSet
	once sync.Once
}

// Release reports whether the record was delivered. Only the first call
// counts. Releasing a nil handle is a no-op.
func (h *Handle) Release(result bool) {
	if h == nil {
		return
	}
	h.once.Do(func() { h.set.release(result) })
}
