package record

import "time"

// packetDuration derives the audio duration of one encoded Opus packet from
// its TOC byte: per-frame duration from the config number, frame count from
// the code bits. Used only as a data-quality check — downstream offset math
// assumes every packet covers the fixed 20 ms slot.
func packetDuration(packet []byte) time.Duration {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	config := toc >> 3

	var per time.Duration
	switch {
	case config < 12: // SILK-only
		per = []time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16: // hybrid
		if config%2 == 0 {
			per = 10 * time.Millisecond
		} else {
			per = 20 * time.Millisecond
		}
	default: // CELT-only
		per = []time.Duration{2500, 5000, 10000, 20000}[(config-16)%4] * time.Microsecond
	}

	var frames int
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default: // code 3: count is in the frame count byte
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3F)
	}

	return per * time.Duration(frames)
}
