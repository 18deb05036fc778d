// Package adapter sends operator-facing Telegram messages (admin summaries, log records) through telebot.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	kit "tgcast/internal/transport"
	logx "tgcast/pkg/logx"
)

type Config struct {
	APIURL string
	// Client is shared with the Bot API client so both honor the same timeouts.
	Client *http.Client
}

// Adapter keeps one offline telebot instance per bot token. Offline bots never poll
// and skip the getMe handshake, so creating one is free of network calls.
type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

const maxCachedBots = 32

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bots: map[string]*tele.Bot{}}
}

func (a *Adapter) bot(token string) (*tele.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	st := tele.Settings{Token: token, Offline: true, Client: a.cfg.Client}
	if a.cfg.APIURL != "" {
		st.URL = a.cfg.APIURL
	}
	b, err := tele.NewBot(st)
	if err != nil {
		return nil, err
	}
	if len(a.bots) >= maxCachedBots {
		a.bots = map[string]*tele.Bot{}
	}
	a.bots[token] = b
	return b, nil
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

// SendText sends text to one chat, splitting it on Telegram's message size limit.
func (a *Adapter) SendText(ctx context.Context, token string, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	b, err := a.bot(token)
	if err != nil {
		return err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	for _, part := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := b.Send(recipient(to.String()), part, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Sender binds a token so the adapter can serve as a logx.Sender.
func (a *Adapter) Sender(token string) logx.Sender {
	return tokenSender{a: a, token: token}
}

type tokenSender struct {
	a     *Adapter
	token string
}

func (s tokenSender) SendText(ctx context.Context, chatID int64, text string) error {
	return s.a.SendText(ctx, s.token, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into parts Telegram accepts.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
