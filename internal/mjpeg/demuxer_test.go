package mjpeg

import (
	"bytes"
	"testing"

	"github.com/A-910/duan2024/camstream/internal/frame/frametest"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

func testFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	out := make([][]byte, n)
	for i := range n {
		out[i] = frametest.JPEG(t, 32, 24, byte(i*20))
	}
	return out
}

func collect(d *Demuxer, chunks [][]byte) []*types.Frame {
	var got []*types.Frame
	for _, c := range chunks {
		for f := range d.Ingest(c) {
			got = append(got, f)
		}
	}
	return got
}

func TestChunkBoundaryIndependence(t *testing.T) {
	frames := testFrames(t, 10)
	stream := frametest.Stream(frames...)

	whole := collect(NewDemuxer(), [][]byte{stream})
	if len(whole) != len(frames) {
		t.Fatalf("single chunk: got %d frames, want %d", len(whole), len(frames))
	}

	for _, size := range []int{1, 2, 3, 7, 64, 1024, 4096} {
		got := collect(NewDemuxer(), frametest.Chunks(stream, size))
		if len(got) != len(whole) {
			t.Fatalf("chunk size %d: got %d frames, want %d", size, len(got), len(whole))
		}
		for i := range got {
			if !bytes.Equal(got[i].JPEG, whole[i].JPEG) {
				t.Fatalf("chunk size %d: frame %d differs", size, i)
			}
			if got[i].Seq != uint64(i+1) {
				t.Fatalf("chunk size %d: frame %d seq = %d", size, i, got[i].Seq)
			}
		}
	}
}

func TestTwoFramesInOneChunk(t *testing.T) {
	frames := testFrames(t, 2)
	trailer := []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8\x00\x01")
	chunk := append(append(append([]byte("junk"), frames[0]...), frames[1]...), trailer...)

	d := NewDemuxer()
	got := collect(d, [][]byte{chunk})
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if !bytes.Equal(got[0].JPEG, frames[0]) || !bytes.Equal(got[1].JPEG, frames[1]) {
		t.Fatal("frames out of order or altered")
	}
	if !bytes.Equal(d.Buffered(), trailer) {
		t.Fatalf("buffered = %q, want %q", d.Buffered(), trailer)
	}
}

func TestStartWithoutEndKeepsGrowing(t *testing.T) {
	d := NewDemuxer()
	frame := testFrames(t, 1)[0]
	head, tail := frame[:len(frame)-10], frame[len(frame)-10:]

	if got := collect(d, [][]byte{head}); len(got) != 0 {
		t.Fatalf("partial frame yielded %d frames", len(got))
	}
	if d.Len() != len(head) {
		t.Fatalf("accumulator = %d bytes, want %d", d.Len(), len(head))
	}
	if got := collect(d, [][]byte{tail}); len(got) != 1 {
		t.Fatalf("completed frame yielded %d frames", len(got))
	}
	if d.Len() != 0 {
		t.Fatalf("accumulator should be empty, has %d bytes", d.Len())
	}
}

func TestOverflowTrimsToTail(t *testing.T) {
	d := NewDemuxer(WithBufferLimits(1000, 100))

	// SOI with no EOI so nothing is consumed.
	_, _ = d.Write([]byte{0xFF, 0xD8})
	_, _ = d.Write(bytes.Repeat([]byte{0x11}, 998))
	if d.Len() != 1000 {
		t.Fatalf("len = %d before overflow", d.Len())
	}
	_, _ = d.Write([]byte{0x22})
	if d.Len() != 100 {
		t.Fatalf("post-trim len = %d, want 100", d.Len())
	}
	if got := d.Buffered(); got[len(got)-1] != 0x22 {
		t.Fatal("trim must keep the most recent bytes")
	}
	if d.Stats().Trims != 1 {
		t.Fatalf("trims = %d", d.Stats().Trims)
	}
}

func TestTrimSplittingMarkerRecovers(t *testing.T) {
	frames := testFrames(t, 2)
	limit := 4 * len(frames[0])
	d := NewDemuxer(WithBufferLimits(limit, 1))

	// The cut leaves only the D8 of a SOI behind.
	filler := bytes.Repeat([]byte{0x00}, limit-1)
	filler = append(filler, 0xFF, 0xD8)
	_, _ = d.Write(filler)
	if d.Len() != 1 {
		t.Fatalf("len = %d, want 1", d.Len())
	}

	got := collect(d, [][]byte{frames[1]})
	if len(got) != 1 || !bytes.Equal(got[0].JPEG, frames[1]) {
		t.Fatalf("expected the next whole frame after a mid-marker trim, got %d", len(got))
	}
}

func TestUndecodableSliceIsDropped(t *testing.T) {
	frames := testFrames(t, 1)
	bad := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	d := NewDemuxer()

	got := collect(d, [][]byte{append(append([]byte{}, bad...), frames[0]...)})
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	s := d.Stats()
	if s.Rejected != 1 || s.Decoded != 1 || s.Extracted != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEarlyStopKeepsRemainingFrames(t *testing.T) {
	frames := testFrames(t, 3)
	d := NewDemuxer()

	for range d.Ingest(bytes.Join(frames, nil)) {
		break
	}
	var rest []*types.Frame
	for f := range d.Frames() {
		rest = append(rest, f)
	}
	if len(rest) != 2 {
		t.Fatalf("remaining frames = %d, want 2", len(rest))
	}
}

func TestCustomDecoderAndNext(t *testing.T) {
	calls := 0
	d := NewDemuxer(WithDecoder(func(b []byte) *types.Frame {
		calls++
		return &types.Frame{JPEG: bytes.Clone(b)}
	}))
	_, _ = d.Write([]byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9, 0xFF, 0xD8, 0xBB, 0xFF, 0xD9})

	raw, ok := d.Next()
	if !ok || !bytes.Equal(raw, []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}) {
		t.Fatalf("Next = %x, %v", raw, ok)
	}
	n := 0
	for range d.Frames() {
		n++
	}
	if n != 1 || calls != 1 {
		t.Fatalf("frames = %d, decoder calls = %d", n, calls)
	}
	d.Reset()
	if d.Len() != 0 {
		t.Fatal("reset should empty the accumulator")
	}
}
