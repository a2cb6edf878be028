package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"content-pipeline/internal/config"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
)

var _ adapter.OperatorNotifier = (*GateNotifier)(nil)

// GateNotifier messages operators on Telegram when a job waits at a gate.
type GateNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	baseURL string
}

func NewGateNotifier(cfg config.TelegramConfig) (*GateNotifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	return &GateNotifier{bot: bot, chatIDs: cfg.ChatIDs, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// NotifyGate sends to every configured chat and returns the joined errors.
func (n *GateNotifier) NotifyGate(ctx context.Context, job *model.Job, stage string) error {
	text := GateMessage(job, stage)
	var errs []error
	for _, id := range n.chatIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg := tgbotapi.NewMessage(id, text)
		if n.baseURL != "" {
			link := fmt.Sprintf("%s/jobs/%s", n.baseURL, job.ID)
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Review", link)),
			)
		}
		if _, err := n.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// GateMessage is the operator-facing text for a pending gate.
func GateMessage(job *model.Job, stage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s\n", job.Slug)
	fmt.Fprintf(&b, "Job: %s\nStage: %s\n", job.ID, stage)
	if g, ok := job.Gate(stage); ok {
		if d, ok := g.Deadline(); ok {
			verdict := "Job fails"
			if g.AutoApprove {
				verdict = "Auto-approved"
			}
			fmt.Fprintf(&b, "%s at %s UTC\n", verdict, d.UTC().Format("2006-01-02 15:04"))
		}
	}
	fmt.Fprintf(&b, "POST /jobs/%s/approve {\"stage\":%q}", job.ID, stage)
	return b.String()
}
