package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers progress updates and finished videos to the user.
type Notifier interface {
	SendMessage(chatID int64, text string) (int, error)
	EditMessage(chatID int64, messageID int, text string) error
	SendVideo(chatID int64, videoURL, caption string) error
}

// NopNotifier discards everything. Used when no bot token is configured.
type NopNotifier struct{}

func (NopNotifier) SendMessage(int64, string) (int, error) { return 0, nil }
func (NopNotifier) EditMessage(int64, int, string) error   { return nil }
func (NopNotifier) SendVideo(int64, string, string) error  { return nil }

// TelegramNotifier sends through the Bot API.
type TelegramNotifier struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramNotifier(bot *tgbotapi.BotAPI) *TelegramNotifier {
	return &TelegramNotifier{bot: bot}
}

func (n *TelegramNotifier) SendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := n.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

func (n *TelegramNotifier) EditMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := n.bot.Send(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) SendVideo(chatID int64, videoURL, caption string) error {
	video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(videoURL))
	video.Caption = caption
	if _, err := n.bot.Send(video); err != nil {
		return fmt.Errorf("failed to send video: %w", err)
	}
	return nil
}
