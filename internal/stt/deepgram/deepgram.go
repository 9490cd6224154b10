// Package deepgram implements the streaming recognition backend against the
// Deepgram live WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/stt"
)

const (
	endpoint     = "wss://api.deepgram.com/v1/listen"
	defaultModel = "nova-2"

	// The resampler hands us 48 kHz mono s16le.
	sampleRate = 48000
	channels   = 1

	audioQueueDepth = 256
)

// Backend opens live Deepgram streams. Implements stt.Backend.
type Backend struct {
	apiKey   string
	model    string
	diarize  bool
	endpoint string
}

func New(apiKey, model string, diarize bool) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	return &Backend{apiKey: apiKey, model: model, diarize: diarize, endpoint: endpoint}, nil
}

// Close is a no-op: the backend holds no connection state outside its
// streams.
func (b *Backend) Close() error { return nil }

func (b *Backend) OpenStream(ctx context.Context, speakerID string, seq int, h stt.Handler) (stt.Stream, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", b.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if b.diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &stream{
		conn:      conn,
		handler:   h,
		speakerID: speakerID,
		seq:       seq,
		audio:     make(chan []byte, audioQueueDepth),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()

	log.Debug().
		Str("user_id", speakerID).
		Int("stream_seq", seq).
		Str("model", b.model).
		Msg("Opened Deepgram stream")
	return s, nil
}

// response is the shape of a Deepgram live Results message.
type response struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word    string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn      *websocket.Conn
	handler   stt.Handler
	speakerID string
	seq       int
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu         sync.Mutex
	firstWrite time.Time
	closed     bool
}

func (s *stream) Write(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("deepgram: stream is closed")
	}
	if s.firstWrite.IsZero() {
		s.firstWrite = time.Now()
	}
	s.mu.Unlock()

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.audio <- buf:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
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

// Close flushes pending audio and shuts the connection down. Idempotent.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		// Ask the service to flush results for audio already sent.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *stream) writeLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain what was queued before the close.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop dispatches service messages. The unexpected-close notification
// fires only after the loop has left the WaitGroup: handlers may respond by
// calling Close, which waits on this goroutine.
func (s *stream) readLoop() {
	var closeErr error
	defer func() {
		if closeErr != nil && s.handler.OnUnexpectedClose != nil {
			s.handler.OnUnexpectedClose(closeErr)
		}
	}()
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.closed = true
			s.mu.Unlock()
			if !wasClosed {
				closeErr = err
			}
			return
		}

		ev, ok := parseEvent(msg)
		if !ok {
			continue
		}
		if s.handler.OnEvent != nil {
			s.handler.OnEvent(ev)
		}
	}
}

// parseEvent converts a raw live message to a transcript event. Deepgram
// assigns no per-result id, but the result's start offset is stable across
// the interim/final revisions of the same audio span, so it serves as the
// upsert key.
func parseEvent(data []byte) (stt.Event, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Event{}, false
	}

	ev := stt.Event{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Final:      resp.IsFinal,
		ResultID:   strconv.FormatFloat(resp.Start, 'f', 3, 64),
		Start:      time.Duration(resp.Start * float64(time.Second)),
	}
	if n := len(alt.Words); n > 0 {
		ev.End = time.Duration(alt.Words[n-1].End * float64(time.Second))
		if sp := alt.Words[0].Speaker; sp != nil {
			ev.SpeakerLabel = "speaker-" + strconv.Itoa(*sp)
		}
	} else {
		ev.End = ev.Start
	}
	return ev, true
}
