package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Head holds the decode parameters read from an OpusHead page.
type Head struct {
	Version    byte
	Channels   int
	PreSkip    int
	SampleRate int
}

// Stream is the result of demuxing one recording.
type Stream struct {
	Head   Head
	Frames [][]byte

	// Truncated reports that the file ended mid-page or a page failed its
	// checksum. Frames up to the last complete page are still returned.
	Truncated bool

	// Finalized reports that the terminal end-of-stream page was seen.
	Finalized bool
}

// ErrNotOpus is returned when the stream does not start with an OpusHead page.
var ErrNotOpus = errors.New("ogg: stream does not begin with an OpusHead page")

// Demux reads an Ogg Opus stream produced by [Muxer] and returns the frame
// payloads in order. A file cut off by a crash yields a shorter, valid frame
// sequence with Truncated set rather than an error.
func Demux(r io.Reader) (*Stream, error) {
	s := &Stream{}

	head, ok := readPage(r)
	if !ok || len(head.packets) != 1 || len(head.packets[0]) < 19 ||
		string(head.packets[0][:8]) != "OpusHead" {
		return nil, ErrNotOpus
	}
	id := head.packets[0]
	s.Head = Head{
		Version:    id[8],
		Channels:   int(id[9]),
		PreSkip:    int(binary.LittleEndian.Uint16(id[10:12])),
		SampleRate: int(binary.LittleEndian.Uint32(id[12:16])),
	}

	// OpusTags page. Tolerate its absence in a heavily truncated file.
	tags, ok := readPage(r)
	if !ok {
		s.Truncated = true
		return s, nil
	}
	if len(tags.packets) != 1 || len(tags.packets[0]) < 8 ||
		string(tags.packets[0][:8]) != "OpusTags" {
		return nil, fmt.Errorf("ogg: page %d is not an OpusTags page", tags.seq)
	}

	var partial []byte
	for {
		pg, ok := readPage(r)
		if !ok {
			s.Truncated = true
			return s, nil
		}
		for i, pkt := range pg.packets {
			if i == 0 && pg.flags&flagContinuation != 0 {
				partial = append(partial, pkt...)
				if !pg.openEnded || i != len(pg.packets)-1 {
					s.Frames = append(s.Frames, partial)
					partial = nil
				}
				continue
			}
			if pg.openEnded && i == len(pg.packets)-1 {
				partial = append(partial, pkt...)
				continue
			}
			s.Frames = append(s.Frames, pkt)
		}
		if pg.flags&flagEOS != 0 {
			s.Finalized = true
			return s, nil
		}
	}
}

// page is one parsed and checksum-verified container page.
type page struct {
	flags   byte
	granule uint64
	serial  uint32
	seq     uint32

	// packets holds the segment-assembled packets on this page. openEnded
	// reports that the last packet continues onto the next page.
	packets   [][]byte
	openEnded bool
}

// readPage parses the next page. ok is false at EOF, on a short read, or on
// a checksum mismatch — all treated as truncation by the caller.
func readPage(r io.Reader) (*page, bool) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, false
	}
	if string(hdr[:4]) != capturePattern || hdr[4] != 0 {
		return nil, false
	}

	nsegs := int(hdr[26])
	segs := make([]byte, nsegs)
	if _, err := io.ReadFull(r, segs); err != nil {
		return nil, false
	}
	payloadLen := 0
	for _, v := range segs {
		payloadLen += int(v)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false
	}

	want := binary.LittleEndian.Uint32(hdr[22:26])
	hdr[22], hdr[23], hdr[24], hdr[25] = 0, 0, 0, 0
	got := crcUpdate(crcUpdate(crcUpdate(0, hdr), segs), payload)
	if got != want {
		return nil, false
	}

	pg := &page{
		flags:   hdr[5],
		granule: binary.LittleEndian.Uint64(hdr[6:14]),
		serial:  binary.LittleEndian.Uint32(hdr[14:18]),
		seq:     binary.LittleEndian.Uint32(hdr[18:22]),
	}

	off := 0
	cur := 0
	for _, v := range segs {
		cur += int(v)
		if v < maxSegment {
			pg.packets = append(pg.packets, payload[off:cur])
			off = cur
		}
	}
	if off < payloadLen {
		pg.packets = append(pg.packets, payload[off:])
		pg.openEnded = true
	}
	return pg, true
}
