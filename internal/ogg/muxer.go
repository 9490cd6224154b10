package ogg

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
)

// Muxer wraps a sequence of fixed-duration Opus frames into an Ogg stream.
// The OpusHead and OpusTags pages are written at construction; every
// subsequent frame becomes exactly one data page, written to the sink
// immediately. After Finalize the muxer is permanently inert and further
// writes are silently dropped.
//
// Safe for concurrent use.
type Muxer struct {
	mu        sync.Mutex
	w         io.Writer
	serial    uint32
	pageSeq   uint32
	granule   uint64
	finalized bool
}

// NewMuxer creates a muxer over w and immediately writes the OpusHead and
// OpusTags pages carrying the fixed decode parameters.
func NewMuxer(w io.Writer) (*Muxer, error) {
	m := &Muxer{
		w:      w,
		serial: rand.Uint32(),
	}
	if err := m.writePage(flagBOS, 0, opusHead()); err != nil {
		return nil, fmt.Errorf("write OpusHead: %w", err)
	}
	if err := m.writePage(0, 0, opusTags()); err != nil {
		return nil, fmt.Errorf("write OpusTags: %w", err)
	}
	return m, nil
}

// WriteFrame appends one encoded frame as one container page, advancing the
// granule position by a fixed 20 ms worth of samples. Calls after Finalize
// are dropped without error.
func (m *Muxer) WriteFrame(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return nil
	}
	m.granule += SamplesPerFrame
	if err := m.writePage(0, m.granule, frame); err != nil {
		return fmt.Errorf("write frame page: %w", err)
	}
	return nil
}

// Finalize writes the terminal end-of-stream page. It is idempotent; the
// first call wins and later calls are no-ops.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return nil
	}
	m.finalized = true
	if err := m.writePage(flagEOS, m.granule, nil); err != nil {
		return fmt.Errorf("write EOS page: %w", err)
	}
	return nil
}

// writePage emits a single page holding one packet. Must be called with
// m.mu held (or before the muxer escapes the constructor).
func (m *Muxer) writePage(flags byte, granule uint64, payload []byte) error {
	lacing := lacingValues(len(payload))

	page := make([]byte, 0, headerSize+len(lacing)+len(payload))
	page = append(page, capturePattern...)
	page = append(page, 0) // stream structure version
	page = append(page, flags)
	page = binary.LittleEndian.AppendUint64(page, granule)
	page = binary.LittleEndian.AppendUint32(page, m.serial)
	page = binary.LittleEndian.AppendUint32(page, m.pageSeq)
	page = append(page, 0, 0, 0, 0) // CRC placeholder
	page = append(page, byte(len(lacing)))
	page = append(page, lacing...)
	page = append(page, payload...)

	crc := crcUpdate(0, page)
	binary.LittleEndian.PutUint32(page[22:26], crc)

	m.pageSeq++
	if _, err := m.w.Write(page); err != nil {
		return err
	}
	return nil
}

// lacingValues returns the segment table for a single packet of length n,
// split into 255-byte lumps. A packet whose length is a multiple of 255
// needs a trailing zero lacing value; a zero-length packet (the EOS page)
// has no segments at all.
func lacingValues(n int) []byte {
	if n == 0 {
		return nil
	}
	vals := make([]byte, 0, n/maxSegment+1)
	for n >= maxSegment {
		vals = append(vals, maxSegment)
		n -= maxSegment
	}
	vals = append(vals, byte(n))
	return vals
}

// opusHead builds the identification header payload for the fixed codec
// profile: version 1, stereo, fixed pre-skip, 48 kHz, zero gain, channel
// mapping family 0.
func opusHead() []byte {
	p := make([]byte, 0, 19)
	p = append(p, "OpusHead"...)
	p = append(p, 1) // version
	p = append(p, Channels)
	p = binary.LittleEndian.AppendUint16(p, PreSkip)
	p = binary.LittleEndian.AppendUint32(p, SampleRate)
	p = binary.LittleEndian.AppendUint16(p, 0) // output gain
	p = append(p, 0)                           // mapping family
	return p
}

// opusTags builds the comment header payload: vendor string, zero comments.
func opusTags() []byte {
	p := make([]byte, 0, 8+4+len(Vendor)+4)
	p = append(p, "OpusTags"...)
	p = binary.LittleEndian.AppendUint32(p, uint32(len(Vendor)))
	p = append(p, Vendor...)
	p = binary.LittleEndian.AppendUint32(p, 0)
	return p
}
