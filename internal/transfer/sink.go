package transfer

import (
	"errors"
	"net/http"
	"sync"
)

// Sink is an outgoing response body with a bounded buffer.
type Sink interface {
	// Write queues p; the sink takes ownership of the slice. ok is false once
	// buffered data reaches capacity, and the caller must wait on Drain
	// before writing again.
	Write(p []byte) (ok bool, err error)
	// Drain returns a channel that is closed once the buffer falls back under
	// capacity or the sink has failed.
	Drain() <-chan struct{}
	// Close flushes what is buffered and reports the first write error.
	Close() error
}

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("sink closed")

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ResponseSink pumps queued chunks into an http.ResponseWriter on its own
// goroutine, flushing after each one. Write and Close must be called from a
// single goroutine.
type ResponseSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	highWater int

	queue chan []byte
	done  chan struct{}

	mu       sync.Mutex
	buffered int
	drained  chan struct{}
	err      error
	closed   bool
}

// NewResponseSink starts the pump. Headers should already be set; the first
// chunk commits them. highWater is the buffered byte count at which Write
// starts reporting backpressure.
func NewResponseSink(w http.ResponseWriter, highWater int) *ResponseSink {
	if highWater <= 0 {
		highWater = 1
	}
	s := &ResponseSink{
		w:         w,
		rc:        http.NewResponseController(w),
		highWater: highWater,
		queue:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *ResponseSink) Write(p []byte) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSinkClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return false, err
	}
	s.buffered += len(p)
	ok := s.buffered < s.highWater
	s.mu.Unlock()

	s.queue <- p
	return ok, nil
}

func (s *ResponseSink) Drain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffered < s.highWater || s.err != nil || s.closed {
		return closedCh
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	return s.drained
}

func (s *ResponseSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.Err()
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return s.Err()
}

// Err reports the first write failure, if any.
func (s *ResponseSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ResponseSink) pump() {
	defer close(s.done)
	for p := range s.queue {
		var err error
		if s.Err() == nil {
			if _, err = s.w.Write(p); err == nil {
				if ferr := s.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
					err = ferr
				}
			}
		}
		s.mu.Lock()
		s.buffered -= len(p)
		if err != nil && s.err == nil {
			s.err = err
		}
		if s.drained != nil && (s.buffered < s.highWater || s.err != nil) {
			close(s.drained)
			s.drained = nil
		}
		s.mu.Unlock()
	}
}
