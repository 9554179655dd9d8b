// ABOUTME: Tests for the frame decoder reassembly state machine.
// ABOUTME: Covers arbitrary chunk splits, malformed frames, and truncated streams.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, events ...Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range events {
		frame, err := Encode(e)
		require.NoError(t, err)
		buf.Write(frame)
	}
	return buf.Bytes()
}

func feedAll(dec *Decoder, chunks [][]byte) []Result {
	var results []Result
	for _, chunk := range chunks {
		results = append(results, dec.Feed(chunk)...)
	}
	return results
}

func requireEvents(t *testing.T, results []Result, want ...Event) {
	t.Helper()
	require.Len(t, results, len(want))
	for i, res := range results {
		require.NoError(t, res.Err, "result %d", i)
		assert.Equal(t, want[i].Type, res.Event.Type, "result %d", i)
		assert.JSONEq(t, orEmpty(want[i].Payload), orEmpty(res.Event.Payload), "result %d", i)
	}
}

func orEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func TestDecoder_SingleChunk(t *testing.T) {
	events := []Event{Ready(true), Ping(), PlayMedia(7)}
	stream := encodeAll(t, events...)

	results := NewDecoder().Feed(stream)
	requireEvents(t, results, events...)
}

func TestDecoder_EverySplitPointYieldsSameResults(t *testing.T) {
	events := []Event{Ready(false), DownloadMedia(10), Ping(), StopMedia(), SelfDestruct()}
	stream := encodeAll(t, events...)

	// Cut the concatenated bytes at every possible boundary, including
	// cuts inside a frame and cuts exactly on a terminator.
	for cut := 0; cut <= len(stream); cut++ {
		dec := NewDecoder()
		results := feedAll(dec, [][]byte{stream[:cut], stream[cut:]})
		requireEvents(t, results, events...)
		assert.Zero(t, dec.Buffered(), "cut at %d left bytes buffered", cut)
	}
}

func TestDecoder_RandomPartitionsYieldSameResults(t *testing.T) {
	events := []Event{Ready(true), DeleteMedia(3), PlayMedia(4), Shutdown(), Ping(), StopMedia()}
	stream := encodeAll(t, events...)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}

		results := feedAll(NewDecoder(), chunks)
		requireEvents(t, results, events...)
	}
}

func TestDecoder_EmptyAndTerminatorOnlyChunks(t *testing.T) {
	dec := NewDecoder()

	assert.Empty(t, dec.Feed(nil))
	assert.Empty(t, dec.Feed([]byte{}))

	// A lone terminator closes whatever is buffered; with nothing buffered
	// it produces one malformed (empty) frame result.
	results := dec.Feed([]byte{Terminator})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestDecoder_MalformedFrameDoesNotStopStream(t *testing.T) {
	good1, err := Encode(Ping())
	require.NoError(t, err)
	good2, err := Encode(PlayMedia(9))
	require.NoError(t, err)

	var stream []byte
	stream = append(stream, good1...)
	stream = append(stream, []byte("{not json")...)
	stream = append(stream, Terminator)
	stream = append(stream, good2...)

	results := NewDecoder().Feed(stream)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, TypePing, results[0].Event.Type)
	assert.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	assert.Equal(t, TypePlayMedia, results[2].Event.Type)

	id, err := results[2].Event.MediaID()
	require.NoError(t, err)
	assert.Equal(t, uint16(9), id)
}

func TestDecoder_FrameMissingTypeIsAnError(t *testing.T) {
	results := NewDecoder().Feed(append([]byte(`{"payload":1}`), Terminator))
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestDecoder_ResetDiscardsPartialFrame(t *testing.T) {
	dec := NewDecoder()
	assert.Empty(t, dec.Feed([]byte(`{"type":"Pi`)))
	require.Positive(t, dec.Buffered())

	dec.Reset()
	assert.Zero(t, dec.Buffered())

	// A fresh frame decodes cleanly after the reset.
	results := dec.Feed(encodeAll(t, Ping()))
	requireEvents(t, results, Ping())
}

func TestStreamDecoder_DeliversInOrderAcrossReads(t *testing.T) {
	events := []Event{Ready(true), DownloadMedia(2), Ping()}
	stream := encodeAll(t, events...)

	// io.OneByteReader forces the worst-case split: one byte per Read call.
	sd := NewStreamDecoder(iotest{r: bytes.NewReader(stream)})

	for _, want := range events {
		res, err := sd.Next()
		require.NoError(t, err)
		require.NoError(t, res.Err)
		assert.Equal(t, want.Type, res.Event.Type)
	}

	_, err := sd.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// iotest yields at most one byte per Read to exercise frame reassembly.
type iotest struct {
	r io.Reader
}

func (o iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestStreamDecoder_TruncatedFrameDiscardedAtEOF(t *testing.T) {
	stream := encodeAll(t, Ping())
	// Append half a frame that never gets terminated.
	stream = append(stream, []byte(`{"type":"PlayMe`)...)

	sd := NewStreamDecoder(bytes.NewReader(stream))

	res, err := sd.Next()
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, TypePing, res.Event.Type)

	_, err = sd.Next()
	assert.ErrorIs(t, err, io.EOF)

	// The error is sticky.
	_, err = sd.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoder_SurfacesTransportError(t *testing.T) {
	transportErr := errors.New("connection reset")
	sd := NewStreamDecoder(io.MultiReader(
		bytes.NewReader(encodeAll(t, Ready(false))),
		errReader{err: transportErr},
	))

	res, err := sd.Next()
	require.NoError(t, err)
	require.NoError(t, res.Err)

	pending, err := res.Event.Bool()
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = sd.Next()
	assert.ErrorIs(t, err, transportErr)
}

type errReader struct {
	err error
}

func (e errReader) Read([]byte) (int, error) {
	return 0, e.err
}
