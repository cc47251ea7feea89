package dispatch

import (
	"regexp"
	"strings"

	"whatsbot/internal/constants"
	"whatsbot/internal/models"
)

// Class is how an inbound message is routed.
type Class string

const (
	ClassPollVote Class = "poll_vote"
	ClassStatus   Class = "status"
	ClassMedia    Class = "media"
	ClassCommand  Class = "command"
	ClassPlain    Class = "plain"
)

var pollChoice = regexp.MustCompile(`^[1-9]$`)

// Command is a parsed prefixed command.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// Classify routes msg. Checks run in a fixed order: poll vote, status
// broadcast, media, command, plain text.
func Classify(msg *models.InboundMessage, prefix string) Class {
	text := strings.TrimSpace(msg.Text)
	switch {
	case pollChoice.MatchString(text) && strings.Contains(msg.QuotedText, constants.DefaultPollMarker):
		return ClassPollVote
	case msg.Chat == constants.DefaultStatusBroadcastChat:
		return ClassStatus
	case msg.Kind.IsMedia():
		return ClassMedia
	case prefix != "" && strings.HasPrefix(text, prefix) && len(text) > len(prefix):
		return ClassCommand
	}
	return ClassPlain
}

// ParseCommand splits a prefixed command. ok is false when text is not a command.
func ParseCommand(text, prefix string) (Command, bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Raw:  text,
	}, true
}
