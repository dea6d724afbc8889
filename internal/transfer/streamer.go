// Package transfer moves file contents into response sinks in bounded chunks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"dirserve/internal/metrics"
)

// DefaultChunkSize is the read size per transfer step.
const DefaultChunkSize = 1 << 20

// ErrIO marks open/read failures on a file whose metadata was already known.
var ErrIO = errors.New("i/o error")

type file interface {
	io.ReaderAt
	io.Closer
}

type Streamer struct {
	chunkSize int
	open      func(name string) (file, error)
}

func NewStreamer(chunkSize int) *Streamer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Streamer{
		chunkSize: chunkSize,
		open: func(name string) (file, error) {
			return os.Open(name)
		},
	}
}

// Stream copies at most size bytes of the file at path into sink, one chunk
// at a time, in increasing offset order. After a write that reports the sink
// full, no further read happens until the sink drains. The sink is closed on
// every return path. A file shorter than size ends the stream early without
// error.
func (s *Streamer) Stream(ctx context.Context, path string, size uint64, sink Sink) (written uint64, err error) {
	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
		metrics.RecordStream(written, err == nil)
	}()

	f, err := s.open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	var position uint64
	for position < size {
		if err := ctx.Err(); err != nil {
			return position, err
		}

		n := uint64(s.chunkSize)
		if rest := size - position; rest < n {
			n = rest
		}
		buf := make([]byte, n)
		read, rerr := f.ReadAt(buf, int64(position))
		if read == 0 {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				return position, nil
			}
			return position, fmt.Errorf("%w: read %s at %d: %v", ErrIO, path, position, rerr)
		}
		position += uint64(read)

		ok, werr := sink.Write(buf[:read])
		if werr != nil {
			return position, werr
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return position, fmt.Errorf("%w: read %s at %d: %v", ErrIO, path, position, rerr)
		}
		if errors.Is(rerr, io.EOF) {
			return position, nil
		}
		if !ok {
			select {
			case <-sink.Drain():
			case <-ctx.Done():
				return position, ctx.Err()
			}
		}
	}
	return position, nil
}
