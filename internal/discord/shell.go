// Package discord is the chat-platform shell: it owns the gateway session,
// allowlist and mention gating, the pending "Working..." message used by the
// progress reporter, and chunked delivery of replies.
package discord

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
	"github.com/nextlevelbuilder/relaydeck/internal/uploads"
)

const maxMessageLen = 2000

// Inbound is one user message normalized for the relay.
type Inbound struct {
	ConvKey     string
	IsDM        bool
	IsThread    bool
	GuildID     string
	ChannelID   string
	AuthorID    string
	Content     string
	Attachments []uploads.Attachment
	Pending     *Pending
}

// Handler consumes inbound messages. The shell calls it on the gateway
// goroutine; the handler must hand off quickly.
type Handler func(in Inbound)

// Shell wraps the discordgo session.
type Shell struct {
	cfg       config.DiscordConfig
	session   *discordgo.Session
	handler   Handler
	botUserID string
}

// New creates the shell from config.
func New(cfg config.DiscordConfig, handler Handler) (*Shell, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Shell{cfg: cfg, session: session, handler: handler}, nil
}

// Start opens the gateway connection.
func (sh *Shell) Start() error {
	slog.Info("starting discord shell")
	sh.session.AddHandler(sh.handleMessage)
	if err := sh.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := sh.session.User("@me")
	if err != nil {
		sh.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	sh.botUserID = user.ID
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (sh *Shell) Stop() error {
	slog.Info("stopping discord shell")
	return sh.session.Close()
}

// Send delivers text to a channel, chunking at the platform limit.
func (sh *Shell) Send(channelID, content string) error {
	return sendChunked(sh.session, channelID, content)
}

// SendFiles posts files (validated upload paths) with an optional caption.
func (sh *Shell) SendFiles(channelID, caption string, paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open upload %s: %w", p, err)
		}
		_, serr := sh.session.ChannelFileSendWithMessage(channelID, caption, filepath.Base(p), f)
		f.Close()
		if serr != nil {
			return fmt.Errorf("send upload %s: %w", p, serr)
		}
		caption = ""
	}
	return nil
}

func (sh *Shell) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == sh.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	ch := sh.channel(m.ChannelID)
	isThread := ch != nil && (ch.Type == discordgo.ChannelTypeGuildPublicThread ||
		ch.Type == discordgo.ChannelTypeGuildPrivateThread ||
		ch.Type == discordgo.ChannelTypeGuildNewsThread)

	if !isDM && !sh.allowed(m.GuildID, m.ChannelID, ch, isThread) {
		slog.Debug("discord message rejected by allowlist",
			"guild", m.GuildID, "channel", m.ChannelID)
		return
	}

	// Guild channels require an @mention; threads under an allowlisted
	// parent may auto-respond.
	if !isDM && !sh.mentioned(m) {
		if !(isThread && sh.cfg.ThreadAutoRespond && sh.parentAllowed(ch)) {
			return
		}
	}

	content := strings.TrimSpace(sh.stripMention(m.Content))
	if content == "" && len(m.Attachments) == 0 {
		return
	}

	var convKey string
	switch {
	case isDM:
		convKey = state.DMKey(m.Author.ID)
	case isThread:
		convKey = state.ThreadKey(m.GuildID, m.ChannelID)
	default:
		convKey = state.ChannelKey(m.GuildID, m.ChannelID)
	}

	var atts []uploads.Attachment
	for _, a := range m.Attachments {
		atts = append(atts, uploads.Attachment{
			Name:        a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			URL:         a.URL,
		})
	}

	pending := newPending(sh.session, m.ChannelID)

	slog.Debug("discord message received", "conv", convKey, "preview", preview(content, 50))
	sh.handler(Inbound{
		ConvKey:     convKey,
		IsDM:        isDM,
		IsThread:    isThread,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		Content:     content,
		Attachments: atts,
		Pending:     pending,
	})
}

func (sh *Shell) channel(id string) *discordgo.Channel {
	if ch, err := sh.session.State.Channel(id); err == nil {
		return ch
	}
	ch, err := sh.session.Channel(id)
	if err != nil {
		return nil
	}
	return ch
}

func (sh *Shell) allowed(guildID, channelID string, ch *discordgo.Channel, isThread bool) bool {
	if len(sh.cfg.AllowedGuilds) > 0 && !contains(sh.cfg.AllowedGuilds, guildID) {
		return false
	}
	if len(sh.cfg.AllowedChannels) == 0 {
		return true
	}
	if contains(sh.cfg.AllowedChannels, channelID) {
		return true
	}
	// Threads inherit their parent channel's allowlisting.
	return isThread && sh.parentAllowed(ch)
}

func (sh *Shell) parentAllowed(ch *discordgo.Channel) bool {
	if ch == nil || ch.ParentID == "" {
		return false
	}
	if len(sh.cfg.AllowedChannels) == 0 {
		return true
	}
	return contains(sh.cfg.AllowedChannels, ch.ParentID)
}

func (sh *Shell) mentioned(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == sh.botUserID {
			return true
		}
	}
	return false
}

func (sh *Shell) stripMention(content string) string {
	for _, tag := range []string{"<@" + sh.botUserID + ">", "<@!" + sh.botUserID + ">"} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return content
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a character.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// splitMessage cuts content at the platform limit, breaking at a newline
// when one falls in the second half of the chunk.
func splitMessage(content string) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxMessageLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxMessageLen
		if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

func sendChunked(s *discordgo.Session, channelID, content string) error {
	for _, chunk := range splitMessage(content) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
