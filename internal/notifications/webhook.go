package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// WebhookSender posts scan lifecycle summaries to an outbound webhook.
// The channel type and URL come from the settings table, so operators can
// point completed-scan notices at Discord, Slack, or anything that takes
// a JSON POST.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send dispatches a message to the given channel type.
func (w *WebhookSender) Send(channelType, url, title, message string) error {
	if url == "" {
		return fmt.Errorf("webhook url not configured")
	}
	switch channelType {
	case "discord":
		return w.sendDiscord(url, title, message)
	case "slack":
		return w.sendSlack(url, title, message)
	case "", "generic":
		return w.sendGeneric(url, title, message)
	default:
		return fmt.Errorf("unknown channel type: %s", channelType)
	}
}

// SendTest sends a test message to validate the webhook.
func (w *WebhookSender) SendTest(channelType, url string) error {
	return w.Send(channelType, url, "FieldScan Test", "This is a test notification from FieldScan. Your webhook is working correctly!")
}

func (w *WebhookSender) sendDiscord(url, title, message string) error {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       4437377, // FieldScan green
				"footer": map[string]string{
					"text": "FieldScan",
				},
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
	return w.postJSON(url, payload)
}

func (w *WebhookSender) sendSlack(url, title, message string) error {
	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": title,
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": message,
				},
			},
			{
				"type": "context",
				"elements": []map[string]string{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("_FieldScan · %s_", time.Now().Format("Jan 2, 3:04 PM")),
					},
				},
			},
		},
	}
	return w.postJSON(url, payload)
}

func (w *WebhookSender) sendGeneric(url, title, message string) error {
	payload := map[string]interface{}{
		"title":     title,
		"message":   message,
		"source":    "fieldscan",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return w.postJSON(url, payload)
}

func (w *WebhookSender) postJSON(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		log.Printf("Webhook: %s returned status %d", url, resp.StatusCode)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
