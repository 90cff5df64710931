// Package telegram sends operational notices about scheduled jobs via the
// Telegram Bot API: one message when a job starts failing and one when it
// recovers.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendError reports that job has started failing.
func (c *Client) SendError(job string, err error) error {
	return c.send(formatError(job, err, time.Now().UTC()))
}

// SendRecovery reports that job succeeded again after failures consecutive failures.
func (c *Client) SendRecovery(job string, failures int, downtime time.Duration) error {
	return c.send(formatRecovery(job, failures, downtime))
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

func formatError(job string, err error, at time.Time) string {
	var b strings.Builder
	b.WriteString("⚠️ *Job failing*\n\n")
	fmt.Fprintf(&b, "Job: `%s`\n", escapeMarkdownV2(job))
	fmt.Fprintf(&b, "Time: %s\n", escapeMarkdownV2(at.Format("2006-01-02 15:04:05 UTC")))
	fmt.Fprintf(&b, "Error: %s\n", escapeMarkdownV2(err.Error()))
	return b.String()
}

func formatRecovery(job string, failures int, downtime time.Duration) string {
	runs := "run"
	if failures != 1 {
		runs = "runs"
	}
	var b strings.Builder
	b.WriteString("✅ *Job recovered*\n\n")
	fmt.Fprintf(&b, "Job: `%s`\n", escapeMarkdownV2(job))
	fmt.Fprintf(&b, "Failed %s %s in a row over %s\n",
		escapeMarkdownV2(humanize.Comma(int64(failures))), runs, escapeMarkdownV2(formatDuration(downtime)))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		if mins := int(d.Minutes()) % 60; mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
