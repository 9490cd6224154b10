package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/burst"
	"github.com/user/discord-scribe/internal/config"
	"github.com/user/discord-scribe/internal/record"
	"github.com/user/discord-scribe/internal/resample"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/stt"
	"github.com/user/discord-scribe/internal/sttgate"
	"github.com/user/discord-scribe/internal/voice"
)

// VoiceSession is the single logical owner of one recording session: it
// joins the voice channel, routes incoming frames to the recorder and the
// VAD detector, and owns the lifecycle of every per-speaker component.
type VoiceSession struct {
	ID            string
	GuildID       string
	ChannelID     string
	TextChannelID string

	session   *discordgo.Session
	voiceConn *discordgo.VoiceConnection
	cfg       *config.Config
	store     store.Store

	emitter        *voice.Emitter
	detector       *voice.Detector
	registry       *resample.Registry
	recorder       *record.Recorder
	tracker        *burst.Tracker
	orchestrator   *sttgate.Orchestrator
	releaseBackend func()

	// SSRC -> user id, learned from speaking updates
	speakerMux sync.RWMutex
	speakerMap map[uint32]string

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	mutex   sync.Mutex
}

func NewVoiceSession(guildID, channelID, textChannelID string, session *discordgo.Session, cfg *config.Config, st store.Store, backend stt.Backend, releaseBackend func()) *VoiceSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	emitter := voice.NewEmitter()
	detector := voice.NewDetector(emitter, 0)
	registry := resample.NewRegistry(resample.Config{
		Path:        cfg.FFmpegPath,
		IdleTimeout: cfg.ResamplerIdleTimeout,
	})
	recorder := record.NewRecorder(id, cfg.RecordingsDir, st, registry)
	tracker := burst.NewTracker(id, st, recorder, emitter, cfg.MaxBurstDuration)
	orchestrator := sttgate.NewOrchestrator(id, st, recorder, registry, backend, emitter, sttgate.Config{
		SilenceTimeout:    cfg.SilenceTimeout,
		RotationThreshold: cfg.RotationThreshold,
		RotationCheck:     cfg.RotationCheck,
		OverlapWindow:     cfg.OverlapWindow,
		ReopenCooldown:    cfg.ReopenCooldown,
	}, cfg.MaxConcurrentGates)

	return &VoiceSession{
		ID:             id,
		GuildID:        guildID,
		ChannelID:      channelID,
		TextChannelID:  textChannelID,
		session:        session,
		cfg:            cfg,
		store:          st,
		emitter:        emitter,
		detector:       detector,
		registry:       registry,
		recorder:       recorder,
		tracker:        tracker,
		orchestrator:   orchestrator,
		releaseBackend: releaseBackend,
		speakerMap:     make(map[uint32]string),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (vs *VoiceSession) Start() error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()

	if vs.stopped {
		return fmt.Errorf("session already stopped")
	}

	// mute=false, deaf=false: the bot must receive audio.
	voiceConn, err := vs.session.ChannelVoiceJoin(vs.GuildID, vs.ChannelID, false, false)
	if err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}
	vs.voiceConn = voiceConn

	// The speaking handler must be attached before audio arrives: it is the
	// only source of SSRC-to-user mappings.
	vs.voiceConn.AddHandler(vs.handleSpeakingUpdate)

	for !vs.voiceConn.Ready {
		time.Sleep(10 * time.Millisecond)
	}

	// Required before receiving audio per the voice gateway contract.
	if err := vs.voiceConn.Speaking(false); err != nil {
		log.Warn().Str("session_id", vs.ID).Err(err).Msg("Failed to send initial speaking state")
	}

	go vs.receiveLoop()

	log.Info().
		Str("session_id", vs.ID).
		Str("guild_id", vs.GuildID).
		Str("channel_id", vs.ChannelID).
		Msg("Voice session started")
	return nil
}

// receiveLoop routes every incoming frame to the track recorder (which also
// forwards to the resampler) and to the VAD detector that synthesizes
// speaking edges for the burst tracker and the gates.
func (vs *VoiceSession) receiveLoop() {
	defer log.Debug().Str("session_id", vs.ID).Msg("Receive loop stopped")

	subscribed := make(map[string]bool)
	for {
		select {
		case packet, ok := <-vs.voiceConn.OpusRecv:
			if !ok {
				log.Info().Str("session_id", vs.ID).Msg("Voice receive channel closed")
				return
			}
			speakerID := vs.speakerForSSRC(packet.SSRC)
			if speakerID == "" {
				log.Debug().
					Str("session_id", vs.ID).
					Uint32("ssrc", packet.SSRC).
					Msg("Frame from unmapped SSRC, dropping")
				continue
			}

			if !subscribed[speakerID] {
				if err := vs.recorder.Subscribe(vs.ctx, speakerID); err != nil {
					log.Error().
						Err(err).
						Str("session_id", vs.ID).
						Str("user_id", speakerID).
						Msg("Failed to open track")
					continue
				}
				subscribed[speakerID] = true
			}

			vs.recorder.OnFrame(vs.ctx, speakerID, packet.Opus)
			vs.detector.Feed(speakerID, packet.Opus)

		case <-vs.ctx.Done():
			return
		}
	}
}

func (vs *VoiceSession) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}

	vs.speakerMux.Lock()
	defer vs.speakerMux.Unlock()
	if prev, ok := vs.speakerMap[uint32(su.SSRC)]; !ok || prev != su.UserID {
		vs.speakerMap[uint32(su.SSRC)] = su.UserID
		log.Debug().
			Str("session_id", vs.ID).
			Uint32("ssrc", uint32(su.SSRC)).
			Str("user_id", su.UserID).
			Msg("Learned SSRC mapping")
	}
}

func (vs *VoiceSession) speakerForSSRC(ssrc uint32) string {
	vs.speakerMux.RLock()
	defer vs.speakerMux.RUnlock()
	return vs.speakerMap[ssrc]
}

// SpeakerLeft tears down one speaker's pipeline: force-end their speaking
// span, close the open burst without reopening, drop their gate and
// resampler, and close their track.
func (vs *VoiceSession) SpeakerLeft(speakerID string) {
	vs.mutex.Lock()
	if vs.stopped {
		vs.mutex.Unlock()
		return
	}
	vs.mutex.Unlock()

	log.Info().
		Str("session_id", vs.ID).
		Str("user_id", speakerID).
		Msg("Speaker left channel")

	vs.detector.Flush(speakerID)
	vs.tracker.CloseUserBurst(speakerID)
	vs.orchestrator.RemoveSpeaker(speakerID)
	vs.recorder.Close(vs.ctx, speakerID)

	vs.speakerMux.Lock()
	for ssrc, userID := range vs.speakerMap {
		if userID == speakerID {
			delete(vs.speakerMap, ssrc)
		}
	}
	vs.speakerMux.Unlock()
}

// Stop tears the whole session down. Idempotent.
func (vs *VoiceSession) Stop() {
	vs.mutex.Lock()
	if vs.stopped {
		vs.mutex.Unlock()
		return
	}
	vs.stopped = true
	vs.mutex.Unlock()

	vs.cancel()
	if vs.voiceConn != nil {
		vs.voiceConn.Disconnect()
	}

	vs.orchestrator.Destroy()
	vs.tracker.Destroy()
	vs.recorder.CloseAll(context.Background())
	vs.registry.KillAll("session stop")
	vs.emitter.Close()
	vs.releaseBackend()

	log.Info().Str("session_id", vs.ID).Msg("Voice session stopped")
}
