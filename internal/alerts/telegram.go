package alerts

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Bot API. Each send runs in its own
// goroutine; delivery failures are logged and dropped.
type Telegram struct {
	client *resty.Client
	token  string
	chatID string
	logger *log.Logger
	wg     sync.WaitGroup
}

// NewTelegram builds a Telegram sink. Token and chat id must both be set;
// config validation enforces that before this is called.
func NewTelegram(token, chatID string, logger *log.Logger) *Telegram {
	if logger == nil {
		logger = log.New(log.Writer(), "[ALERTS] ", log.LstdFlags)
	}
	client := resty.New().
		SetBaseURL(telegramAPI).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Telegram{
		client: client,
		token:  token,
		chatID: chatID,
		logger: logger,
	}
}

// Alert sends a high-priority operator message.
func (t *Telegram) Alert(text string) {
	t.send(fmt.Sprintf("🚨 ALERT [%s]\n%s", timestamp(), text))
}

// Notify sends an informational message.
func (t *Telegram) Notify(text string) {
	t.send(fmt.Sprintf("ℹ️ INFO [%s]\n%s", timestamp(), text))
}

// Flush waits for in-flight sends, bounded by the given timeout. Used during
// shutdown so the final notifications have a chance to leave the process.
func (t *Telegram) Flush(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (t *Telegram) send(text string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		resp, err := t.client.R().
			SetBody(map[string]string{
				"chat_id": t.chatID,
				"text":    text,
			}).
			Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
		if err != nil {
			t.logger.Printf("telegram send failed: %v", err)
			return
		}
		if resp.IsError() {
			t.logger.Printf("telegram API error: %s", resp.Status())
		}
	}()
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

var _ Sink = (*Telegram)(nil)
