package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSender 通过 Slack incoming webhook 发送消息。
type WebhookSender struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookSender 创建发送器，url 为空时返回 nil。
func NewWebhookSender(url string) *WebhookSender {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &WebhookSender{URL: url, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Send 实现 SlackSender。
func (s *WebhookSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || s.URL == "" {
		return errors.New("slack webhook URL 未配置")
	}
	body, err := json.Marshal(slackMessage{Channel: channel, Text: content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Slack 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
