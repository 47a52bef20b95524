package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadChatRef is returned when a correlation payload does not split into
// exactly two integer-parsable parts.
var ErrBadChatRef = errors.New("protocol: malformed chat ref")

// ChatRef addresses a reply: the chat to send to and the message to reply to.
// Its wire form is "<chatID>:<messageID>".
type ChatRef struct {
	ChatID    int64
	MessageID int
}

// String encodes the ref in its wire form.
func (r ChatRef) String() string {
	return strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

// IsZero reports whether the ref addresses nothing.
func (r ChatRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// ParseChatRef decodes "<chatID>:<messageID>". Anything else fails with
// ErrBadChatRef; a response whose ref cannot be parsed routes nowhere.
func ParseChatRef(s string) (ChatRef, error) {
	head, tail, ok := strings.Cut(s, ":")
	if !ok {
		return ChatRef{}, ErrBadChatRef
	}
	chatID, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return ChatRef{}, ErrBadChatRef
	}
	messageID, err := strconv.Atoi(tail)
	if err != nil {
		return ChatRef{}, ErrBadChatRef
	}
	return ChatRef{ChatID: chatID, MessageID: messageID}, nil
}
