package entities

import (
	"time"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
)

// EventKind distinguishes inbound event payloads
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindStatus  EventKind = "status"
)

// Content is the body of an inbound message.
// The set of implementations is closed: TextContent, MediaContent, UnsupportedContent.
type Content interface {
	content()
}

// TextContent is a plain text body
type TextContent struct {
	Text string
}

// MediaContent is an attachment with an optional caption
type MediaContent struct {
	MediaType string // photo, document, video, audio, attachment
	Caption   string
	FileName  string
}

// UnsupportedContent marks a payload kind the connector does not map
type UnsupportedContent struct {
	Kind string
}

func (TextContent) content()        {}
func (MediaContent) content()       {}
func (UnsupportedContent) content() {}

// InboundMessage is a message received on an external network
type InboundMessage struct {
	ExternalID string
	ChatID     string
	SenderID   string
	SenderName string
	Subject    string
	Content    Content
}

// StatusChange reports a connectivity change of an adapter
type StatusChange struct {
	Connected bool
	Detail    string
}

// Event is one adapter-originated notification bound to its account
type Event struct {
	AccountKey string
	Network    credential.Network
	Kind       EventKind
	OccurredAt time.Time
	Message    *InboundMessage
	Status     *StatusChange
}

// NewMessageEvent builds a message event
func NewMessageEvent(accountKey string, network credential.Network, at time.Time, msg InboundMessage) Event {
	return Event{
		AccountKey: accountKey,
		Network:    network,
		Kind:       EventKindMessage,
		OccurredAt: at,
		Message:    &msg,
	}
}

// NewStatusEvent builds a status event
func NewStatusEvent(accountKey string, network credential.Network, connected bool, detail string) Event {
	return Event{
		AccountKey: accountKey,
		Network:    network,
		Kind:       EventKindStatus,
		OccurredAt: time.Now().UTC(),
		Status:     &StatusChange{Connected: connected, Detail: detail},
	}
}

// OutboundMessage is a message to deliver through an adapter
type OutboundMessage struct {
	Recipient string
	Text      string
	Subject   string
}

// SentMessage acknowledges a delivered outbound message
type SentMessage struct {
	ExternalID string
	SentAt     time.Time
}
