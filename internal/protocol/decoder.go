// ABOUTME: Reassembly state machine turning raw byte chunks into decoded events.
// ABOUTME: Tolerates frames split across chunks and malformed individual frames.

package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Result is one decoded frame or the decode error for a single malformed
// frame. A non-nil Err never terminates the stream; decoding resumes at the
// next terminator.
type Result struct {
	Event Event
	Err   error
}

// Decoder accumulates bytes from a live connection and emits one Result per
// complete frame, in arrival order. A chunk may contain zero, one, or many
// terminators and may split a frame at any byte boundary.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with an empty reassembly buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk and returns the results for every frame it
// completed. Trailing bytes after the last terminator stay buffered until
// more bytes arrive.
func (d *Decoder) Feed(chunk []byte) []Result {
	var results []Result
	start := 0
	for i, b := range chunk {
		if b != Terminator {
			continue
		}
		frame := append(d.buf, chunk[start:i]...)
		d.buf = nil
		results = append(results, decodeFrame(frame))
		start = i + 1
	}
	if start < len(chunk) {
		d.buf = append(d.buf, chunk[start:]...)
	}
	return results
}

// Buffered reports how many bytes of an incomplete frame are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partially accumulated frame. Called when the underlying
// connection ends: a truncated frame is never emitted.
func (d *Decoder) Reset() {
	d.buf = nil
}

func decodeFrame(frame []byte) Result {
	var e Event
	if err := json.Unmarshal(frame, &e); err != nil {
		return Result{Err: fmt.Errorf("malformed frame: %w", err)}
	}
	if e.Type == "" {
		return Result{Err: fmt.Errorf("frame missing type discriminator")}
	}
	return Result{Event: e}
}

// StreamDecoder adapts an unbounded byte stream (an HTTP response body) into
// a lazy, forward-only sequence of results. It is restartable only by opening
// a new connection and wrapping the new body.
type StreamDecoder struct {
	r       io.Reader
	dec     *Decoder
	queue   []Result
	readBuf []byte
	err     error
}

// NewStreamDecoder wraps r. The reader is not closed by the decoder.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{
		r:       r,
		dec:     NewDecoder(),
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next decode result. It blocks on the underlying reader
// until a complete frame is available. When the connection ends, any bytes
// left in the reassembly buffer are discarded and the reader's error
// (io.EOF for a clean close) is returned.
func (s *StreamDecoder) Next() (Result, error) {
	for {
		if len(s.queue) > 0 {
			res := s.queue[0]
			s.queue = s.queue[1:]
			return res, nil
		}
		if s.err != nil {
			return Result{}, s.err
		}

		n, err := s.r.Read(s.readBuf)
		if n > 0 {
			s.queue = append(s.queue, s.dec.Feed(s.readBuf[:n])...)
		}
		if err != nil {
			s.dec.Reset()
			s.err = err
		}
	}
}
