package mtproto

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// updateMapper turns MTProto updates into account events
type updateMapper struct {
	accountKey string
	logger     zerolog.Logger

	mu      sync.RWMutex
	handler deps.EventHandler
}

func newUpdateMapper(accountKey string, logger zerolog.Logger) *updateMapper {
	return &updateMapper{accountKey: accountKey, logger: logger}
}

func (m *updateMapper) setHandler(h deps.EventHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *updateMapper) emit(ev entities.Event) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (m *updateMapper) emitStatus(connected bool, detail string) {
	m.emit(entities.NewStatusEvent(m.accountKey, credential.NetworkTelegramUser, connected, detail))
}

// dispatcher builds the update handler passed to the MTProto client
func (m *updateMapper) dispatcher() tg.UpdateDispatcher {
	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		m.handleMessage(e, update.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
		m.handleMessage(e, update.Message)
		return nil
	})
	return d
}

func (m *updateMapper) handleMessage(e tg.Entities, msg tg.MessageClass) {
	inbound, at, ok := convertMessage(e, msg)
	if !ok {
		return
	}
	m.logger.Debug().
		Str("chat_id", inbound.ChatID).
		Str("message_id", inbound.ExternalID).
		Msg("Inbound Telegram message")
	m.emit(entities.NewMessageEvent(m.accountKey, credential.NetworkTelegramUser, at, inbound))
}

// convertMessage maps one MTProto message. Outgoing and empty messages are skipped.
func convertMessage(e tg.Entities, msg tg.MessageClass) (entities.InboundMessage, time.Time, bool) {
	switch m := msg.(type) {
	case *tg.Message:
		if m.Out {
			return entities.InboundMessage{}, time.Time{}, false
		}
		inbound := entities.InboundMessage{
			ExternalID: strconv.Itoa(m.ID),
			ChatID:     peerKey(m.PeerID),
			Content:    convertContent(m),
		}
		sender := m.PeerID
		if from, ok := m.GetFromID(); ok {
			sender = from
		}
		inbound.SenderID = peerKey(sender)
		inbound.SenderName = peerName(e, sender)
		return inbound, time.Unix(int64(m.Date), 0).UTC(), true

	case *tg.MessageService:
		if m.Out {
			return entities.InboundMessage{}, time.Time{}, false
		}
		return entities.InboundMessage{
			ExternalID: strconv.Itoa(m.ID),
			ChatID:     peerKey(m.PeerID),
			Content:    entities.UnsupportedContent{Kind: m.Action.TypeName()},
		}, time.Unix(int64(m.Date), 0).UTC(), true
	}
	return entities.InboundMessage{}, time.Time{}, false
}

func convertContent(m *tg.Message) entities.Content {
	media, ok := m.GetMedia()
	if !ok {
		return entities.TextContent{Text: m.Message}
	}

	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		return entities.MediaContent{MediaType: "photo", Caption: m.Message}

	case *tg.MessageMediaDocument:
		content := entities.MediaContent{MediaType: "document", Caption: m.Message}
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return content
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				content.FileName = a.FileName
			case *tg.DocumentAttributeVideo:
				content.MediaType = "video"
			case *tg.DocumentAttributeAudio:
				content.MediaType = "audio"
			}
		}
		return content

	case *tg.MessageMediaWebPage:
		// link previews carry the text itself
		return entities.TextContent{Text: m.Message}
	}

	return entities.UnsupportedContent{Kind: media.TypeName()}
}

// peerKey renders a peer as "user:<id>", "chat:<id>" or "channel:<id>"
func peerKey(p tg.PeerClass) string {
	switch peer := p.(type) {
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(peer.UserID, 10)
	case *tg.PeerChat:
		return "chat:" + strconv.FormatInt(peer.ChatID, 10)
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(peer.ChannelID, 10)
	}
	return ""
}

func peerName(e tg.Entities, p tg.PeerClass) string {
	switch peer := p.(type) {
	case *tg.PeerUser:
		u, ok := e.Users[peer.UserID]
		if !ok {
			return ""
		}
		name := strings.TrimSpace(u.FirstName + " " + u.LastName)
		if name == "" {
			name = u.Username
		}
		return name
	case *tg.PeerChat:
		if c, ok := e.Chats[peer.ChatID]; ok {
			return c.Title
		}
	case *tg.PeerChannel:
		if c, ok := e.Channels[peer.ChannelID]; ok {
			return c.Title
		}
	}
	return ""
}
