package kafka

import (
	"time"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// Content types carried in EventMessage.Content.Type
const (
	ContentTypeText        = "text"
	ContentTypeMedia       = "media"
	ContentTypeUnsupported = "unsupported"
)

// EventMessage is the wire form of a routed adapter event
type EventMessage struct {
	AccountKey string          `json:"account_key"`
	Network    string          `json:"network"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Message    *MessagePayload `json:"message,omitempty"`
	Status     *StatusPayload  `json:"status,omitempty"`
}

// MessagePayload is an inbound message
type MessagePayload struct {
	ExternalID string         `json:"external_id"`
	ChatID     string         `json:"chat_id,omitempty"`
	SenderID   string         `json:"sender_id,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Content    ContentPayload `json:"content"`
}

// ContentPayload flattens the message content variants
type ContentPayload struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// StatusPayload is an adapter connectivity change
type StatusPayload struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// NewEventMessage maps a domain event to its wire form
func NewEventMessage(accountKey string, ev entities.Event) EventMessage {
	out := EventMessage{
		AccountKey: accountKey,
		Network:    string(ev.Network),
		Kind:       string(ev.Kind),
		OccurredAt: ev.OccurredAt.UTC(),
	}

	if m := ev.Message; m != nil {
		out.Message = &MessagePayload{
			ExternalID: m.ExternalID,
			ChatID:     m.ChatID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Subject:    m.Subject,
			Content:    contentPayload(m.Content),
		}
	}
	if s := ev.Status; s != nil {
		out.Status = &StatusPayload{Connected: s.Connected, Detail: s.Detail}
	}

	return out
}

func contentPayload(c entities.Content) ContentPayload {
	switch v := c.(type) {
	case entities.TextContent:
		return ContentPayload{Type: ContentTypeText, Text: v.Text}
	case entities.MediaContent:
		return ContentPayload{
			Type:      ContentTypeMedia,
			MediaType: v.MediaType,
			Caption:   v.Caption,
			FileName:  v.FileName,
		}
	case entities.UnsupportedContent:
		return ContentPayload{Type: ContentTypeUnsupported, Kind: v.Kind}
	default:
		return ContentPayload{Type: ContentTypeUnsupported}
	}
}
