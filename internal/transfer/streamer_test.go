package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memSink records writes. When full is set every Write reports backpressure
// and Drain blocks until release is called.
type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	full   bool
	drain  chan struct{}
	closed int
	failOn int // fail the n-th write (1-based) when > 0
}

func newMemSink(full bool) *memSink {
	return &memSink{full: full, drain: make(chan struct{})}
}

func (m *memSink) Write(p []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failOn > 0 && m.writes == m.failOn {
		return false, errors.New("broken pipe")
	}
	m.buf.Write(p)
	return !m.full, nil
}

func (m *memSink) Drain() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drain
}

// release fires the current drain notification and arms a new one.
func (m *memSink) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.drain)
	m.drain = make(chan struct{})
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// countingFile wraps a ReaderAt and records every read offset.
type countingFile struct {
	r       io.ReaderAt
	reads   atomic.Int32
	mu      sync.Mutex
	offsets []int64
	closed  atomic.Bool
}

func (c *countingFile) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	c.mu.Lock()
	c.offsets = append(c.offsets, off)
	c.mu.Unlock()
	return c.r.ReadAt(p, off)
}

func (c *countingFile) Close() error {
	c.closed.Store(true)
	return nil
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestStreamCompleteness(t *testing.T) {
	data := patterned(10*1024 + 17)
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStreamer(1024)
	sink := newMemSink(false)
	n, err := s.Stream(context.Background(), path, uint64(len(data)), sink)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != uint64(len(data)) {
		t.Errorf("written = %d, want %d", n, len(data))
	}
	if !bytes.Equal(sink.buf.Bytes(), data) {
		t.Error("streamed bytes differ from file contents")
	}
	if sink.writes != 11 {
		t.Errorf("writes = %d, want 11 chunks", sink.writes)
	}
	if sink.closed != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closed)
	}
}

func TestStreamOffsetsIncrease(t *testing.T) {
	data := patterned(5000)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(1000)
	s.open = func(string) (file, error) { return cf, nil }

	if _, err := s.Stream(context.Background(), "mem", uint64(len(data)), newMemSink(false)); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []int64{0, 1000, 2000, 3000, 4000}
	if len(cf.offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", cf.offsets, want)
	}
	for i := range want {
		if cf.offsets[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", cf.offsets, want)
		}
	}
	if !cf.closed.Load() {
		t.Error("file not closed")
	}
}

func TestStreamShorterFileEndsEarly(t *testing.T) {
	data := patterned(300)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(128)
	s.open = func(string) (file, error) { return cf, nil }

	sink := newMemSink(false)
	n, err := s.Stream(context.Background(), "mem", 1000, sink)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != 300 || !bytes.Equal(sink.buf.Bytes(), data) {
		t.Errorf("got %d bytes, want the 300 available", n)
	}
}

func TestStreamStopsAtDeclaredSize(t *testing.T) {
	data := patterned(4096)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(1000)
	s.open = func(string) (file, error) { return cf, nil }

	sink := newMemSink(false)
	if _, err := s.Stream(context.Background(), "mem", 2500, sink); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !bytes.Equal(sink.buf.Bytes(), data[:2500]) {
		t.Errorf("streamed %d bytes, want first 2500", sink.buf.Len())
	}
}

func TestStreamWaitsForDrain(t *testing.T) {
	data := patterned(3000)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(1000)
	s.open = func(string) (file, error) { return cf, nil }

	sink := newMemSink(true)
	done := make(chan error, 1)
	go func() {
		_, err := s.Stream(context.Background(), "mem", uint64(len(data)), sink)
		done <- err
	}()

	for want := int32(1); want <= 3; want++ {
		// The streamer must sit on exactly want reads until drained.
		time.Sleep(30 * time.Millisecond)
		if got := cf.reads.Load(); got != want {
			t.Fatalf("reads before drain #%d = %d, want %d", want, got, want)
		}
		sink.release()
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not finish after final drain")
	}
	if !bytes.Equal(sink.buf.Bytes(), data) {
		t.Error("streamed bytes differ")
	}
}

func TestStreamCancelledWhileWaiting(t *testing.T) {
	data := patterned(3000)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(1000)
	s.open = func(string) (file, error) { return cf, nil }

	ctx, cancel := context.WithCancel(context.Background())
	sink := newMemSink(true)
	done := make(chan error, 1)
	go func() {
		_, err := s.Stream(ctx, "mem", uint64(len(data)), sink)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream ignored cancellation")
	}
	if got := cf.reads.Load(); got != 1 {
		t.Errorf("reads = %d, want 1", got)
	}
	if !cf.closed.Load() {
		t.Error("file descriptor not released")
	}
	if sink.closed != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closed)
	}
}

func TestStreamOpenFailure(t *testing.T) {
	s := NewStreamer(0)
	sink := newMemSink(false)
	_, err := s.Stream(context.Background(), filepath.Join(t.TempDir(), "gone"), 10, sink)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if sink.writes != 0 {
		t.Errorf("writes = %d after open failure", sink.writes)
	}
	if sink.closed != 1 {
		t.Error("sink not closed after open failure")
	}
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) { return 0, errors.New("EIO") }
func (failingReader) Close() error                      { return nil }

func TestStreamReadFailure(t *testing.T) {
	s := NewStreamer(16)
	s.open = func(string) (file, error) { return failingReader{}, nil }
	_, err := s.Stream(context.Background(), "mem", 100, newMemSink(false))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestStreamSinkFailureStopsReads(t *testing.T) {
	data := patterned(5000)
	cf := &countingFile{r: bytes.NewReader(data)}
	s := NewStreamer(1000)
	s.open = func(string) (file, error) { return cf, nil }

	sink := newMemSink(false)
	sink.failOn = 2
	if _, err := s.Stream(context.Background(), "mem", uint64(len(data)), sink); err == nil {
		t.Fatal("expected sink error")
	}
	if got := cf.reads.Load(); got != 2 {
		t.Errorf("reads = %d, want 2", got)
	}
}

func TestStreamEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := newMemSink(false)
	n, err := NewStreamer(0).Stream(context.Background(), path, 0, sink)
	if err != nil || n != 0 {
		t.Fatalf("Stream = %d, %v", n, err)
	}
	if sink.writes != 0 || sink.closed != 1 {
		t.Errorf("writes=%d closed=%d", sink.writes, sink.closed)
	}
}
