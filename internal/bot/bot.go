// Package bot is the Discord-facing shell: command handling, voice channel
// membership, and the lifecycle of one recording session per guild.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/config"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/stt"
	"github.com/user/discord-scribe/internal/stt/deepgram"
	"github.com/user/discord-scribe/internal/stt/vosk"
)

type Bot struct {
	config  *config.Config
	session *discordgo.Session
	store   store.Store
	pool    *stt.Pool

	// Active sessions, keyed by session id
	sessions map[string]*VoiceSession
	mutex    sync.RWMutex
}

func NewBot(cfg *config.Config, st store.Store) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	// Tracks left active by an unclean shutdown have no writer anymore;
	// reconcile them before accepting new sessions.
	recovered, err := st.RecoverStale(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale tracks: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("tracks", recovered).Msg("Reconciled tracks left open by unclean shutdown")
	}

	bot := &Bot{
		config:   cfg,
		session:  session,
		store:    st,
		pool:     stt.NewPool(),
		sessions: make(map[string]*VoiceSession),
	}

	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onMessageCreate)
	session.AddHandler(bot.onVoiceStateUpdate)

	return bot, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	log.Info().Msg("Discord bot started")
	return nil
}

func (b *Bot) Stop() error {
	b.mutex.Lock()
	for _, session := range b.sessions {
		session.Stop()
	}
	b.sessions = make(map[string]*VoiceSession)
	b.mutex.Unlock()

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("failed to close Discord session: %w", err)
	}
	log.Info().Msg("Discord bot stopped")
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	log.Info().
		Str("username", event.User.Username).
		Int("guilds", len(event.Guilds)).
		Msg("Bot is ready")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot {
		return
	}

	content := strings.TrimSpace(m.Content)
	switch {
	case strings.HasPrefix(content, "!scribe start"):
		b.handleStart(s, m)
	case strings.HasPrefix(content, "!scribe stop"):
		b.handleStop(s, m)
	}
}

// onVoiceStateUpdate notifies the guild's session when a speaker leaves the
// recorded channel, so their track and gate close promptly instead of
// waiting for idle watchdogs.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.BeforeUpdate == nil || v.BeforeUpdate.ChannelID == v.ChannelID {
		return
	}

	b.mutex.RLock()
	var session *VoiceSession
	for _, sess := range b.sessions {
		if sess.GuildID == v.GuildID && sess.ChannelID == v.BeforeUpdate.ChannelID {
			session = sess
			break
		}
	}
	b.mutex.RUnlock()

	if session != nil {
		session.SpeakerLeft(v.UserID)
	}
}

func (b *Bot) handleStart(s *discordgo.Session, m *discordgo.MessageCreate) {
	guild, err := s.State.Guild(m.GuildID)
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to get guild information")
		return
	}

	var voiceChannelID string
	for _, voiceState := range guild.VoiceStates {
		if voiceState.UserID == m.Author.ID {
			voiceChannelID = voiceState.ChannelID
			break
		}
	}
	if voiceChannelID == "" {
		b.sendError(s, m.ChannelID, "You need to be in a voice channel to use this command")
		return
	}

	backendKey, factory := b.backendFactory()
	backend, err := b.pool.Acquire(backendKey, factory)
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to initialize the transcription backend")
		log.Error().Err(err).Str("backend", backendKey).Msg("Backend acquire failed")
		return
	}

	session := NewVoiceSession(m.GuildID, voiceChannelID, m.ChannelID, s, b.config, b.store, backend, func() {
		b.pool.Release(backendKey)
	})

	if !b.reserveSession(session) {
		session.Stop() // tears down the unstarted components and releases the backend
		b.sendError(s, m.ChannelID, "Already recording in this server")
		return
	}

	if err := session.Start(); err != nil {
		b.mutex.Lock()
		delete(b.sessions, session.ID)
		b.mutex.Unlock()
		session.Stop()
		b.sendError(s, m.ChannelID, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("🎙️ Recording in <#%s>. Use `!scribe stop` to finish.", voiceChannelID))
	log.Info().
		Str("session_id", session.ID).
		Str("guild_id", m.GuildID).
		Str("channel_id", voiceChannelID).
		Str("user_id", m.Author.ID).
		Msg("Started recording session")
}

func (b *Bot) handleStop(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.mutex.RLock()
	var session *VoiceSession
	for _, sess := range b.sessions {
		if sess.GuildID == m.GuildID {
			session = sess
			break
		}
	}
	b.mutex.RUnlock()

	if session == nil {
		b.sendError(s, m.ChannelID, "No active recording session in this server")
		return
	}

	session.Stop()

	b.mutex.Lock()
	delete(b.sessions, session.ID)
	b.mutex.Unlock()

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("✅ Recording stopped. Session id: `%s`", session.ID))
	log.Info().Str("session_id", session.ID).Msg("Stopped recording session")
}

// reserveSession registers the session unless its guild already has one.
// Check and insert happen under one critical section so two racing start
// commands cannot both claim a guild.
func (b *Bot) reserveSession(session *VoiceSession) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, sess := range b.sessions {
		if sess.GuildID == session.GuildID {
			return false
		}
	}
	b.sessions[session.ID] = session
	return true
}

// backendFactory maps the configured STT backend to a pool key and
// constructor. The key carries the engine and its mode so sessions with the
// same settings share one client.
func (b *Bot) backendFactory() (string, stt.Factory) {
	switch b.config.STTBackend {
	case "vosk":
		path := b.config.VoskModelPath
		return "vosk/" + path, func() (stt.Backend, error) {
			return vosk.New(path)
		}
	default:
		cfg := b.config
		key := fmt.Sprintf("deepgram/%s/diarize=%t", cfg.DeepgramModel, cfg.DeepgramDiarize)
		return key, func() (stt.Backend, error) {
			return deepgram.New(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.DeepgramDiarize)
		}
	}
}

func (b *Bot) sendError(s *discordgo.Session, channelID, message string) {
	s.ChannelMessageSend(channelID, "❌ "+message)
	log.Warn().Str("channel_id", channelID).Str("error", message).Msg("Sent error message")
}
