package dto

import (
	"time"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// AuthInputRequest is the body of POST /api/v1/sessions/{account_key}/auth
type AuthInputRequest struct {
	Step  string `json:"step"`
	Value string `json:"value"`
}

// AuthStateResponse reports where a session's login stands
type AuthStateResponse struct {
	AccountKey string `json:"account_key"`
	entities.StateView
}

// NewAuthStateResponse maps an auth state to its response form
func NewAuthStateResponse(accountKey string, state entities.AuthState) AuthStateResponse {
	return AuthStateResponse{
		AccountKey: accountKey,
		StateView:  entities.ViewOf(state),
	}
}

// SendMessageRequest is the body of POST /api/v1/sessions/{account_key}/messages
type SendMessageRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Subject   string `json:"subject,omitempty"`
}

// ToEntity converts the request to an outbound message
func (r SendMessageRequest) ToEntity() entities.OutboundMessage {
	return entities.OutboundMessage{
		Recipient: r.Recipient,
		Text:      r.Text,
		Subject:   r.Subject,
	}
}

// SendMessageResponse acknowledges a delivered message
type SendMessageResponse struct {
	ExternalID string    `json:"external_id"`
	SentAt     time.Time `json:"sent_at"`
}

// SessionListResponse is the body of GET /api/v1/sessions
type SessionListResponse struct {
	Sessions []entities.SessionSnapshot `json:"sessions"`
	Count    int                        `json:"count"`
}
