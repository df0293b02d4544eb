package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// ErrStreamClosed is returned by Synchronize after Close.
var ErrStreamClosed = errors.New("stream closed")

type op struct {
	name string
	fn   func() error
	done chan struct{}
}

// Stream executes enqueued operations one at a time in FIFO order on its own
// goroutine. Enqueue never waits for execution; the host blocks only in
// Synchronize. The first failing operation poisons the stream: later work
// is skipped and every Synchronize reports the original failure.
type Stream struct {
	name string
	ops  chan op

	mu     sync.Mutex // guards closed and sends on ops
	closed bool

	errMu sync.Mutex
	err   error

	wg sync.WaitGroup
}

// NewStream starts a stream with room for depth pending operations.
func NewStream(name string, depth int) *Stream {
	if depth <= 0 {
		depth = 1024
	}
	s := &Stream{name: name, ops: make(chan op, depth)}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) run() {
	defer s.wg.Done()
	for o := range s.ops {
		if o.fn != nil && s.Err() == nil {
			if err := o.fn(); err != nil {
				s.fail(fmt.Errorf("%s: %w", o.name, err))
				metrics.RecordStreamError()
			}
		}
		if o.done != nil {
			close(o.done)
		}
	}
}

// Enqueue schedules fn after all previously enqueued work.
func (s *Stream) Enqueue(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.fail(fmt.Errorf("%s: %w", name, ErrStreamClosed))
		return
	}
	s.ops <- op{name: name, fn: fn}
}

// Synchronize waits until everything enqueued so far has executed and
// returns the sticky error, if any.
func (s *Stream) Synchronize() error {
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStreamClosed
	}
	s.ops <- op{name: "sync", done: done}
	s.mu.Unlock()
	<-done
	return s.Err()
}

// Err returns the sticky error without waiting.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close drains pending work and stops the goroutine.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	s.wg.Wait()
}
