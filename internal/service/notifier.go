package service

import (
	"fmt"
	"strings"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier posts task outcomes to operator chats.
type TelegramNotifier struct {
	bot     domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegramNotifier(bot domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
		logger:  logger,
	}
}

// Subscribe attaches the notifier to the events operators care about.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(n.Handle, events.EventTaskDispatched, events.EventTaskFailed, events.EventTaskRequeued)
}

// Handle formats the event and sends it to every configured chat.
func (n *TelegramNotifier) Handle(event *events.Event) error {
	var payload events.TaskEventPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	text := formatTaskEvent(event.Type, &payload)

	var firstErr error
	for _, chatID := range n.chatIDs {
		if _, err := n.SendMessage(chatID, text); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to notify operator")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *TelegramNotifier) SendMessage(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	return n.bot.Send(msg)
}

func formatTaskEvent(eventType string, p *events.TaskEventPayload) string {
	var b strings.Builder
	switch eventType {
	case events.EventTaskDispatched:
		fmt.Fprintf(&b, "Рассылка выполнена: %s\n", p.Subject)
	case events.EventTaskFailed:
		fmt.Fprintf(&b, "Рассылка не выполнена: %s\n", p.Subject)
	case events.EventTaskRequeued:
		fmt.Fprintf(&b, "Таблица недоступна, повтор #%d: %s\n", p.Attempt, p.Subject)
	default:
		fmt.Fprintf(&b, "%s: %s\n", eventType, p.Subject)
	}
	fmt.Fprintf(&b, "task: %s\n", p.TaskID)

	if r := p.Report; r != nil {
		fmt.Fprintf(&b, "sent: %d, messages: %d, skipped: %d, failed: %d\n",
			r.Sent, r.Messages, r.Skipped(), len(r.Failed))
	}
	if p.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", p.Error)
	}
	if eventType == events.EventTaskRequeued {
		fmt.Fprintf(&b, "next try: %s\n", p.TriggerAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}
