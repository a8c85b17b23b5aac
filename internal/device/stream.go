package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// ErrStreamClosed is latched when work is launched on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

type op struct {
	name string
	fn   func() error
	done chan struct{}
}

// Stream executes launched operations asynchronously and strictly in launch
// order on one worker goroutine. Later operations observe the effects of
// earlier ones without explicit waits. The first failure is latched: every
// operation after it is skipped and Synchronize reports the error.
type Stream struct {
	name string
	ops  chan op

	sendMu sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	launched atomic.Int64
	finished chan struct{}
}

// NewStream starts a stream whose queue holds up to depth pending operations
// before Launch blocks.
func NewStream(name string, depth int) *Stream {
	if depth <= 0 {
		depth = 64
	}
	s := &Stream{
		name:     name,
		ops:      make(chan op, depth),
		finished: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.finished)
	for o := range s.ops {
		if o.done != nil {
			close(o.done)
			continue
		}
		if s.failed() {
			continue
		}
		start := time.Now()
		err := o.fn()
		metrics.RecordKernelDuration(o.name, time.Since(start))
		if err != nil {
			metrics.RecordKernelError(o.name)
			s.latch(fmt.Errorf("%s: %s: %w", s.name, o.name, err))
		}
	}
}

func (s *Stream) failed() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err != nil
}

func (s *Stream) latch(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Launch enqueues fn and returns without waiting for it.
func (s *Stream) Launch(name string, fn func() error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		s.latch(fmt.Errorf("%s: launch %s: %w", s.name, name, ErrStreamClosed))
		return
	}
	s.launched.Add(1)
	s.ops <- op{name: name, fn: fn}
}

// Synchronize blocks until every operation launched so far has run, then
// returns and clears the latched error.
func (s *Stream) Synchronize() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return s.takeErr()
	}
	done := make(chan struct{})
	s.ops <- op{name: "sync", done: done}
	s.sendMu.Unlock()

	<-done
	return s.takeErr()
}

func (s *Stream) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Launched counts operations accepted since the stream was created.
func (s *Stream) Launched() int64 {
	return s.launched.Load()
}

// Close drains pending work and stops the worker.
func (s *Stream) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.sendMu.Unlock()

	<-s.finished
	return s.takeErr()
}
