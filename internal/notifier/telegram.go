package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var ErrNotConfigured = errors.New("telegram not configured")

// Telegram posts alert messages to one chat through the Bot API. Credentials
// may be swapped at runtime with Update; Send always uses the latest pair.
type Telegram struct {
	HTTP    *http.Client
	BaseURL string

	mu     sync.RWMutex
	token  string
	chatID string
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
	}
}

func (t *Telegram) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) ChatID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chatID
}

func (t *Telegram) Update(token, chatID string) {
	t.mu.Lock()
	t.token, t.chatID = token, chatID
	t.mu.Unlock()
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	t.mu.RLock()
	token, chatID := t.token, t.chatID
	t.mu.RUnlock()
	if token == "" || chatID == "" {
		return ErrNotConfigured
	}
	b, err := json.Marshal(map[string]any{"chat_id": chatID, "text": msg, "disable_web_page_preview": true})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
