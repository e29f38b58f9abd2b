package discord

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("got %v", got)
	}

	long := strings.Repeat("a", maxMessageLen+10)
	got := splitMessage(long)
	if len(got) != 2 || len(got[0]) != maxMessageLen || len(got[1]) != 10 {
		t.Errorf("lens = %d, %d (%d chunks)", len(got[0]), len(got[1]), len(got))
	}

	// A newline in the second half of the chunk becomes the break point.
	withNewline := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1000)
	got = splitMessage(withNewline)
	if len(got) != 2 {
		t.Fatalf("chunks = %d", len(got))
	}
	if !strings.HasSuffix(got[0], "\n") || len(got[0]) != 1501 {
		t.Errorf("first chunk len = %d", len(got[0]))
	}
	if got[1] != strings.Repeat("b", 1000) {
		t.Errorf("second chunk = %q…", got[1][:20])
	}

	// A newline too early in the chunk is ignored; hard cut instead.
	earlyNewline := "x\n" + strings.Repeat("a", maxMessageLen+5)
	got = splitMessage(earlyNewline)
	if len(got[0]) != maxMessageLen {
		t.Errorf("expected hard cut, first chunk len = %d", len(got[0]))
	}

	// Every chunk obeys the limit, and the content survives intact.
	var rebuilt strings.Builder
	for _, c := range splitMessage(withNewline) {
		if len(c) > maxMessageLen {
			t.Errorf("chunk over limit: %d", len(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != withNewline {
		t.Error("chunks do not reassemble to the original")
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short", 50); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := preview("abcdef", 3); got != "abc…" {
		t.Errorf("got %q", got)
	}
	// A cut inside a multibyte rune backs up to the boundary.
	if got := preview("héllo", 2); got != "h…" {
		t.Errorf("got %q", got)
	}
	if got := preview("日本語テキスト", 4); !utf8.ValidString(got) {
		t.Errorf("invalid UTF-8: %q", got)
	}
}

func TestAllowlists(t *testing.T) {
	sh := &Shell{cfg: config.DiscordConfig{
		AllowedGuilds:   []string{"g1"},
		AllowedChannels: []string{"c1"},
	}}

	if sh.allowed("g2", "c1", nil, false) {
		t.Error("guild not in allowlist should be rejected")
	}
	if !sh.allowed("g1", "c1", nil, false) {
		t.Error("allowlisted guild+channel should pass")
	}
	if sh.allowed("g1", "c9", nil, false) {
		t.Error("channel not in allowlist should be rejected")
	}

	// Threads inherit the parent channel's allowlisting.
	thread := &discordgo.Channel{ID: "t1", ParentID: "c1", Type: discordgo.ChannelTypeGuildPublicThread}
	if !sh.allowed("g1", "t1", thread, true) {
		t.Error("thread under allowlisted parent should pass")
	}
	orphan := &discordgo.Channel{ID: "t2", ParentID: "c9", Type: discordgo.ChannelTypeGuildPublicThread}
	if sh.allowed("g1", "t2", orphan, true) {
		t.Error("thread under non-allowlisted parent should be rejected")
	}

	// Empty allowlists mean everything passes.
	open := &Shell{cfg: config.DiscordConfig{}}
	if !open.allowed("anyguild", "anychannel", nil, false) {
		t.Error("empty allowlists should accept everything")
	}
}

func TestStripMention(t *testing.T) {
	sh := &Shell{botUserID: "42"}
	for in, want := range map[string]string{
		"<@42> hello":      " hello",
		"<@!42> hello":     " hello",
		"hello <@42> mid":  "hello  mid",
		"no mention":       "no mention",
		"<@99> other user": "<@99> other user",
	} {
		if got := sh.stripMention(in); got != want {
			t.Errorf("stripMention(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMentioned(t *testing.T) {
	sh := &Shell{botUserID: "42"}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "7"}, {ID: "42"}},
	}}
	if !sh.mentioned(m) {
		t.Error("bot mention not detected")
	}
	m.Mentions = []*discordgo.User{{ID: "7"}}
	if sh.mentioned(m) {
		t.Error("false positive mention")
	}
}
