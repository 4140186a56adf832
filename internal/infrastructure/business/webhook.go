package business

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// webhookPayload is the body the business API posts for an account
type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	ChatID    string        `json:"chat_id"`
	From      webhookSender `json:"from"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
	Media     *webhookMedia `json:"media,omitempty"`
	Status    string        `json:"status,omitempty"`
}

type webhookSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type webhookMedia struct {
	Type     string `json:"type"`
	Caption  string `json:"caption"`
	FileName string `json:"file_name"`
}

// decodeWebhook parses a webhook body, keeping events in payload order
func decodeWebhook(payload []byte) ([]webhookEvent, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return body.Events, nil
}

func (e webhookEvent) occurredAt() time.Time {
	if e.Timestamp <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(e.Timestamp, 0).UTC()
}

func (e webhookEvent) inbound() entities.InboundMessage {
	msg := entities.InboundMessage{
		ExternalID: e.ID,
		ChatID:     e.ChatID,
		SenderID:   e.From.ID,
		SenderName: e.From.Name,
	}

	switch {
	case e.Type != "message":
		msg.Content = entities.UnsupportedContent{Kind: e.Type}
	case e.Media != nil:
		msg.Content = entities.MediaContent{
			MediaType: e.Media.Type,
			Caption:   e.Media.Caption,
			FileName:  e.Media.FileName,
		}
	default:
		msg.Content = entities.TextContent{Text: e.Text}
	}
	return msg
}
