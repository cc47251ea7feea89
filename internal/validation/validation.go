package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"whatsbot/internal/constants"
	"whatsbot/internal/errors"
)

var chatServers = map[string]bool{
	"c.us":           true,
	"s.whatsapp.net": true,
	"g.us":           true,
	"lid":            true,
	"broadcast":      true,
}

// ValidateUserID checks that a user id is a bare international phone number.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.NewValidationError("user_id", userID, "cannot be empty")
	}
	digits := strings.TrimPrefix(userID, "+")
	if len(digits) < constants.MinUserIDLength || len(digits) > constants.MaxUserIDLength {
		return errors.NewValidationError("user_id", userID,
			fmt.Sprintf("must be %d to %d digits", constants.MinUserIDLength, constants.MaxUserIDLength))
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return errors.NewValidationError("user_id", userID, "must contain only digits")
		}
	}
	return nil
}

// ValidateAuthRef checks an account reference supplied by the account backend.
func ValidateAuthRef(authRef string) error {
	if strings.TrimSpace(authRef) == "" {
		return errors.NewValidationError("authRef", "", "is required")
	}
	if len(authRef) > constants.MaxAuthRefLength {
		return errors.NewValidationError("authRef", "",
			fmt.Sprintf("too long (max %d characters)", constants.MaxAuthRefLength))
	}
	for _, r := range authRef {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.NewValidationError("authRef", "", "contains invalid characters")
		}
	}
	return nil
}

// ValidateChatID checks a full chat address such as "15550001@s.whatsapp.net".
func ValidateChatID(chatID string) error {
	local, server, ok := strings.Cut(chatID, "@")
	if !ok || local == "" {
		return errors.NewValidationError("chat_id", chatID, "must be of the form <id>@<server>")
	}
	if !chatServers[server] {
		return errors.NewValidationError("chat_id", chatID, fmt.Sprintf("unknown chat server %q", server))
	}
	for _, r := range local {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.NewValidationError("chat_id", chatID, "contains invalid characters")
		}
	}
	return nil
}

// ValidateEmail checks a single bare mailbox address.
func ValidateEmail(address string) error {
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return errors.NewValidationError("email", address, "must be a plain email address")
	}
	return nil
}
