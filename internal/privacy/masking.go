package privacy

import (
	"strings"
	"sync/atomic"

	"whatsbot/internal/constants"
)

var verbose atomic.Bool

// SetVerbose disables masking so operators can debug with real identifiers.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" || verbose.Load() {
		return phone
	}
	if strings.HasPrefix(phone, "+") {
		return "+" + maskString(phone[1:], constants.DefaultPhoneMaskLength)
	}
	return maskString(phone, constants.DefaultPhoneMaskLength)
}

// MaskChatID masks the local part of a chat address and keeps its server.
// Example: "1234567890@s.whatsapp.net" -> "******7890@s.whatsapp.net"
func MaskChatID(chatID string) string {
	if chatID == "" || verbose.Load() {
		return chatID
	}
	local, server, found := strings.Cut(chatID, "@")
	if !found {
		return maskString(chatID, constants.DefaultPhoneMaskLength)
	}
	// device suffixes such as "123:4@s.whatsapp.net" belong to the number
	number, device, hasDevice := strings.Cut(local, ":")
	masked := maskString(number, constants.DefaultPhoneMaskLength)
	if hasDevice {
		masked += ":" + device
	}
	return masked + "@" + server
}

// MaskUserID masks a tenant identifier, which is either a bare number or a chat address.
func MaskUserID(userID string) string {
	if strings.Contains(userID, "@") {
		return MaskChatID(userID)
	}
	return MaskPhoneNumber(userID)
}

// MaskAuthRef keeps a short prefix of an owning account reference.
func MaskAuthRef(authRef string) string {
	if authRef == "" || verbose.Load() {
		return authRef
	}
	if len(authRef) <= 8 {
		return strings.Repeat("*", len(authRef))
	}
	return authRef[:4] + strings.Repeat("*", len(authRef)-4)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}
