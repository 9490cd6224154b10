// Package vosk implements the streaming recognition backend on top of a
// locally loaded Vosk model. One model is shared by all streams; each stream
// owns its own recognizer.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/stt"
)

const sampleRate = 48000

// Backend wraps a loaded Vosk model. Loading is expensive, so backends are
// meant to be shared through stt.Pool. Implements stt.Backend.
type Backend struct {
	model *vosk.VoskModel
}

func New(modelPath string) (*Backend, error) {
	log.Info().Str("model_path", modelPath).Msg("Loading Vosk model")
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %s: %w", modelPath, err)
	}
	return &Backend{model: model}, nil
}

func (b *Backend) Close() error {
	b.model.Free()
	return nil
}

func (b *Backend) OpenStream(_ context.Context, speakerID string, seq int, h stt.Handler) (stt.Stream, error) {
	rec, err := vosk.NewRecognizer(b.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	rec.SetWords(1)

	log.Debug().
		Str("user_id", speakerID).
		Int("stream_seq", seq).
		Msg("Opened Vosk stream")
	return &stream{rec: rec, handler: h}, nil
}

// finalResult is the recognizer's utterance-complete JSON.
type finalResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
}

type partialResult struct {
	Partial string `json:"partial"`
}

// stream drives one recognizer. The recognizer is not safe for concurrent
// use, so all access goes through mu. Event times are derived from the byte
// count fed so far, which by construction measures time since the first
// write — the same anchor the consumer expects.
type stream struct {
	handler stt.Handler

	mu         sync.Mutex
	rec        *vosk.VoskRecognizer
	firstWrite time.Time
	samples    int64
	segStart   int64 // sample offset where the current utterance began
	segSeq     int   // utterance counter; keys interim/final revisions together
	lastText   string
	closed     bool
}

func (s *stream) Write(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("vosk: stream is closed")
	}
	if s.firstWrite.IsZero() {
		s.firstWrite = time.Now()
	}

	state := s.rec.AcceptWaveform(pcm)
	s.samples += int64(len(pcm) / 2)
	if state < 0 {
		s.mu.Unlock()
		return errors.New("vosk: recognizer rejected waveform")
	}

	ev, ok := s.nextEventLocked(state)
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
	return nil
}

func (s *stream) nextEventLocked(state int) (stt.Event, bool) {
	if state == 1 {
		return s.finalEventLocked(s.rec.Result())
	}

	var partial partialResult
	if err := json.Unmarshal([]byte(s.rec.PartialResult()), &partial); err != nil || partial.Partial == "" {
		return stt.Event{}, false
	}
	if partial.Partial == s.lastText {
		// The recognizer repeats the partial on every frame of silence.
		return stt.Event{}, false
	}
	s.lastText = partial.Partial
	return stt.Event{
		Text:     partial.Partial,
		Final:    false,
		ResultID: strconv.Itoa(s.segSeq),
		Start:    samplesToDuration(s.segStart),
		End:      samplesToDuration(s.samples),
	}, true
}

// finalEventLocked parses an utterance-complete result and advances the
// segment counter. Must be called with mu held.
func (s *stream) finalEventLocked(raw string) (stt.Event, bool) {
	var res finalResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		log.Warn().Err(err).Str("json", raw).Msg("Failed to parse recognizer result")
		return stt.Event{}, false
	}
	seg := s.segSeq
	s.segSeq++
	s.lastText = ""
	start, end := samplesToDuration(s.segStart), samplesToDuration(s.samples)
	s.segStart = s.samples

	if res.Text == "" {
		return stt.Event{}, false
	}
	var conf float64
	if n := len(res.Result); n > 0 {
		// Word times are measured from recognizer start, the same anchor
		// as our sample counter.
		start = time.Duration(res.Result[0].Start * float64(time.Second))
		end = time.Duration(res.Result[n-1].End * float64(time.Second))
		for _, w := range res.Result {
			conf += w.Conf
		}
		conf /= float64(n)
	}
	return stt.Event{
		Text:       res.Text,
		Confidence: conf,
		Final:      true,
		ResultID:   strconv.Itoa(seg),
		Start:      start,
		End:        end,
	}, true
}

// emit runs without mu held so handlers may call back into the stream.
func (s *stream) emit(ev stt.Event) {
	if s.handler.OnEvent != nil {
		s.handler.OnEvent(ev)
	}
}

func (s *stream) FirstWriteAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstWrite, !s.firstWrite.IsZero()
}

func (s *stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close flushes the trailing utterance and frees the recognizer. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ev, ok := s.finalEventLocked(s.rec.FinalResult())
	s.rec.Free()
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
	return nil
}

func samplesToDuration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / sampleRate
}
