// Package transport holds the chat-facing types shared by Telegram transports.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ChatTarget addresses a chat by numeric id or by public @username.
type ChatTarget struct {
	ChatID   int64
	Username string
}

// ParseChatTarget accepts "123", "-100123" or "@channel".
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "@") && len(s) > 1 {
		return ChatTarget{Username: s}, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("invalid chat id %q", s)
	}
	return ChatTarget{ChatID: id}, nil
}

func (t ChatTarget) String() string {
	if t.Username != "" {
		return t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender sends text as the bot identified by token.
type TextSender interface {
	SendText(ctx context.Context, token string, to ChatTarget, text string, opt *SendOptions) error
}
