package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const placeholderText = "Thinking..."

// Pending is the placeholder message posted while the agent works. The
// progress reporter edits it in place; Finalize replaces it with the real
// reply, chunking any overflow into follow-up messages.
type Pending struct {
	session   *discordgo.Session
	channelID string

	mu        sync.Mutex
	messageID string
	failed    bool
}

func newPending(s *discordgo.Session, channelID string) *Pending {
	return &Pending{session: s, channelID: channelID}
}

// ChannelID returns the channel the pending message lives in.
func (p *Pending) ChannelID() string { return p.channelID }

// ensure posts the placeholder on first use.
func (p *Pending) ensure() error {
	if p.messageID != "" || p.failed {
		return nil
	}
	msg, err := p.session.ChannelMessageSend(p.channelID, placeholderText)
	if err != nil {
		p.failed = true
		return fmt.Errorf("send placeholder: %w", err)
	}
	p.messageID = msg.ID
	return nil
}

// Edit updates the placeholder with progress text. Errors are logged, not
// surfaced; progress is best-effort.
func (p *Pending) Edit(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(); err != nil {
		slog.Warn("progress placeholder failed", "error", err)
		return err
	}
	if p.messageID == "" {
		return nil
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	if _, err := p.session.ChannelMessageEdit(p.channelID, p.messageID, text); err != nil {
		slog.Debug("progress edit failed", "error", err)
		return err
	}
	return nil
}

// Finalize replaces the placeholder with the reply. The first chunk lands as
// an edit of the placeholder; the rest goes out as fresh messages.
func (p *Pending) Finalize(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		content = "(no output)"
	}
	if p.messageID == "" {
		return sendChunked(p.session, p.channelID, content)
	}

	chunks := splitMessage(content)
	if _, err := p.session.ChannelMessageEdit(p.channelID, p.messageID, chunks[0]); err != nil {
		// Fall back to a fresh send so the reply is not lost.
		slog.Warn("finalize edit failed, sending fresh", "error", err)
		return sendChunked(p.session, p.channelID, content)
	}
	p.messageID = ""
	for _, chunk := range chunks[1:] {
		if _, err := p.session.ChannelMessageSend(p.channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// Discard removes the placeholder, for messages that end up needing no reply.
func (p *Pending) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messageID == "" {
		return
	}
	if err := p.session.ChannelMessageDelete(p.channelID, p.messageID); err != nil {
		slog.Debug("placeholder delete failed", "error", err)
	}
	p.messageID = ""
}
