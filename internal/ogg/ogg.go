// Package ogg implements the streaming Ogg Opus container used for
// per-speaker voice recordings. Every encoded frame becomes one page that is
// flushed to the sink immediately, so a crash leaves a file that is parseable
// up to the last complete page.
package ogg

const (
	// SampleRate is the fixed Opus input sample rate carried in OpusHead.
	SampleRate = 48000

	// Channels is the fixed channel count carried in OpusHead.
	Channels = 2

	// PreSkip is the fixed pre-skip carried in OpusHead, in 48 kHz samples.
	PreSkip = 3840

	// SamplesPerFrame is the granule advance per 20 ms frame at 48 kHz.
	SamplesPerFrame = 960

	// Vendor is the vendor string written to the OpusTags page.
	Vendor = "discord-scribe"
)

const (
	capturePattern = "OggS"

	flagContinuation = 0x01
	flagBOS          = 0x02
	flagEOS          = 0x04

	headerSize = 27
	maxSegment = 255
)

// crcTable holds the Ogg page checksum table: CRC-32 with polynomial
// 0x04C11DB7, not reflected, zero initial value, no final xor. This is not
// the same algorithm as hash/crc32, which is why it is built by hand.
var crcTable = makeCRCTable()

func makeCRCTable() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}

func crcUpdate(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
