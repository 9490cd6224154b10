package ogg

import (
	"bytes"
	"testing"
)

func testFrames() [][]byte {
	return [][]byte{
		{0x78, 0x01, 0x02, 0x03},
		{0x78, 0xff},
		bytes.Repeat([]byte{0xab}, 255), // exercises the trailing zero lacing value
		bytes.Repeat([]byte{0xcd}, 700), // spans multiple 255-byte lumps
		{0x78},
	}
}

func mux(t *testing.T, frames [][]byte, finalize bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	m, err := NewMuxer(&buf)
	if err != nil {
		t.Fatalf("NewMuxer: %v", err)
	}
	for i, f := range frames {
		if err := m.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if finalize {
		if err := m.Finalize(); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	frames := testFrames()
	data := mux(t, frames, true)

	s, err := Demux(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if !s.Finalized {
		t.Error("stream not marked finalized")
	}
	if s.Truncated {
		t.Error("stream unexpectedly truncated")
	}
	if s.Head.Channels != Channels || s.Head.SampleRate != SampleRate || s.Head.PreSkip != PreSkip {
		t.Errorf("head = %+v", s.Head)
	}
	if len(s.Frames) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(s.Frames), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(s.Frames[i], frames[i]) {
			t.Errorf("frame %d differs", i)
		}
	}
}

func TestTruncatedFileParsesUpToLastCompletePage(t *testing.T) {
	frames := testFrames()
	full := mux(t, frames, false)

	// Cut the file at every possible byte offset. The demuxer must never
	// error and never return more frames than were written.
	prev := 0
	for cut := 0; cut <= len(full); cut++ {
		s, err := Demux(bytes.NewReader(full[:cut]))
		if err != nil {
			if cut < 100 {
				continue // OpusHead itself incomplete
			}
			t.Fatalf("cut=%d: Demux: %v", cut, err)
		}
		if len(s.Frames) > len(frames) {
			t.Fatalf("cut=%d: %d frames from truncated file", cut, len(s.Frames))
		}
		if len(s.Frames) < prev {
			t.Fatalf("cut=%d: frame count went backwards", cut)
		}
		prev = len(s.Frames)
		for i := range s.Frames {
			if !bytes.Equal(s.Frames[i], frames[i]) {
				t.Fatalf("cut=%d: frame %d corrupted", cut, i)
			}
		}
	}
	if prev != len(frames) {
		t.Errorf("full file yielded %d frames, want %d", prev, len(frames))
	}
}

func TestChecksumRejectsCorruption(t *testing.T) {
	data := mux(t, testFrames(), true)

	// Flip one payload byte in the middle of the file.
	corrupt := bytes.Clone(data)
	corrupt[len(corrupt)/2] ^= 0x40

	s, err := Demux(bytes.NewReader(corrupt))
	if err != nil {
		// Corruption in the header pages is also acceptable as an error.
		return
	}
	if !s.Truncated {
		t.Error("corrupted page not detected")
	}
	if len(s.Frames) >= len(testFrames()) {
		t.Errorf("got %d frames from corrupted file", len(s.Frames))
	}
}

func TestFinalizeIsTerminalAndIdempotent(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewMuxer(&buf)
	if err != nil {
		t.Fatalf("NewMuxer: %v", err)
	}
	if err := m.WriteFrame([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	size := buf.Len()

	// Second finalize and post-finalize writes must not touch the sink.
	if err := m.Finalize(); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if err := m.WriteFrame([]byte{4, 5, 6}); err != nil {
		t.Fatalf("post-finalize WriteFrame: %v", err)
	}
	if buf.Len() != size {
		t.Error("muxer wrote after finalize")
	}

	s, err := Demux(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if !s.Finalized || len(s.Frames) != 1 {
		t.Errorf("finalized=%v frames=%d", s.Finalized, len(s.Frames))
	}
}

func TestGranulePositionAdvancesPerFrame(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewMuxer(&buf)
	if err != nil {
		t.Fatalf("NewMuxer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.WriteFrame([]byte{byte(i)}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	var granules []uint64
	for {
		pg, ok := readPage(r)
		if !ok {
			break
		}
		granules = append(granules, pg.granule)
	}
	// head, tags, 3 data pages, EOS
	want := []uint64{0, 0, 960, 1920, 2880, 2880}
	if len(granules) != len(want) {
		t.Fatalf("got %d pages, want %d", len(granules), len(want))
	}
	for i := range want {
		if granules[i] != want[i] {
			t.Errorf("page %d granule = %d, want %d", i, granules[i], want[i])
		}
	}
}
