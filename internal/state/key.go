package state

import "strings"

// Conversation keys identify a logical chat context:
//
//	DM:      dm:{userId}
//	Channel: channel:{guildId}:{channelId}
//	Thread:  thread:{guildId}:{threadId}
//
// The research manager runs in a derived key so its agent session never
// interleaves with the user's.

// DMKey builds the conversation key for a direct message.
func DMKey(userID string) string {
	return "dm:" + userID
}

// ChannelKey builds the conversation key for a guild channel.
func ChannelKey(guildID, channelID string) string {
	return "channel:" + guildID + ":" + channelID
}

// ThreadKey builds the conversation key for a guild thread.
func ThreadKey(guildID, threadID string) string {
	return "thread:" + guildID + ":" + threadID
}

// IsDM reports whether key names a direct-message conversation.
func IsDM(key string) bool {
	return strings.HasPrefix(key, "dm:")
}

const managerSuffix = "::research:manager"

// ManagerKey derives the research-manager conversation key for a user
// conversation.
func ManagerKey(convKey string) string {
	return convKey + managerSuffix
}

// IsManagerKey reports whether key is a research-manager conversation.
func IsManagerKey(key string) bool {
	return strings.HasSuffix(key, managerSuffix)
}

// Slug converts a conversation key into a filesystem-safe directory name.
func Slug(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	lastDash := false
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
