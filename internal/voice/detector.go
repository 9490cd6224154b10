package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxhawkins/go-webrtcvad"
	"github.com/rs/zerolog/log"
	"layeh.com/gopus"
)

const (
	detectorSampleRate = 48000
	detectorFrameSize  = 960 // 20ms at 48kHz
	frameDuration      = 20 * time.Millisecond
)

// Detector synthesizes speaking start/stop edges from raw encoded frames for
// transports that do not deliver usable speaking events. Each speaker gets a
// decoder and hangover state; edges are published on the shared Emitter.
type Detector struct {
	emitter  *Emitter
	hangover time.Duration

	mu       sync.Mutex
	speakers map[string]*speakerState
}

type speakerState struct {
	decoder    *gopus.Decoder
	vad        *webrtcvad.VAD
	speaking   bool
	silentFor  time.Duration
	lastActive time.Time
}

// NewDetector creates a detector that ends a speaking span after hangover of
// continuous silence.
func NewDetector(emitter *Emitter, hangover time.Duration) *Detector {
	if hangover <= 0 {
		hangover = 300 * time.Millisecond
	}
	return &Detector{
		emitter:  emitter,
		hangover: hangover,
		speakers: make(map[string]*speakerState),
	}
}

// Feed processes one encoded frame for one speaker. Decode or VAD errors are
// logged and the frame is skipped; the detector is advisory, not a gatekeeper.
func (d *Detector) Feed(speakerID string, opus []byte) {
	d.mu.Lock()
	st, ok := d.speakers[speakerID]
	if !ok {
		var err error
		st, err = newSpeakerState()
		if err != nil {
			d.mu.Unlock()
			log.Warn().Err(err).Str("user_id", speakerID).Msg("Failed to init VAD state")
			return
		}
		d.speakers[speakerID] = st
	}
	d.mu.Unlock()

	pcm, err := decodeFrame(st.decoder, opus)
	if err != nil {
		log.Debug().Err(err).Str("user_id", speakerID).Msg("Failed to decode frame for VAD")
		return
	}

	active, err := st.vad.Process(detectorSampleRate, pcmBytes(pcm))
	if err != nil {
		log.Debug().Err(err).Str("user_id", speakerID).Msg("VAD process failed")
		return
	}

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if active {
		st.silentFor = 0
		st.lastActive = now
		if !st.speaking {
			st.speaking = true
			d.emitter.Emit(Edge{SpeakerID: speakerID, Speaking: true, At: now})
		}
		return
	}

	if st.speaking {
		st.silentFor += frameDuration
		if st.silentFor >= d.hangover {
			st.speaking = false
			d.emitter.Emit(Edge{SpeakerID: speakerID, Speaking: false, At: now})
		}
	}
}

// Flush force-ends any open speaking span, e.g. when a speaker leaves.
func (d *Detector) Flush(speakerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.speakers[speakerID]
	if !ok {
		return
	}
	if st.speaking {
		st.speaking = false
		d.emitter.Emit(Edge{SpeakerID: speakerID, Speaking: false, At: time.Now()})
	}
	delete(d.speakers, speakerID)
}

func newSpeakerState() (*speakerState, error) {
	decoder, err := gopus.NewDecoder(detectorSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := vad.SetMode(2); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}
	return &speakerState{decoder: decoder, vad: vad}, nil
}

func decodeFrame(decoder *gopus.Decoder, opus []byte) ([]int16, error) {
	// Comfort-noise frames decode to silence.
	if len(opus) == 3 && opus[0] == 0xF8 && opus[1] == 0xFF && opus[2] == 0xFE {
		return make([]int16, detectorFrameSize), nil
	}
	return decoder.Decode(opus, detectorFrameSize, false)
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
