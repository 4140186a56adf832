package email

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// maxTextBody bounds how much of a text part is kept
const maxTextBody = 64 << 10

// parseMessage maps a raw RFC 5322 message to an inbound message.
// The chat of an email is its sender address.
func parseMessage(r io.Reader) (entities.InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return entities.InboundMessage{}, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	var inbound entities.InboundMessage

	if id, err := mr.Header.MessageID(); err == nil {
		inbound.ExternalID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		inbound.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		inbound.SenderID = from[0].Address
		inbound.SenderName = from[0].Name
		inbound.ChatID = from[0].Address
	}

	var (
		text        string
		html        string
		attachments []string
	)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return inbound, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				b, err := io.ReadAll(io.LimitReader(p.Body, maxTextBody))
				if err != nil {
					return inbound, fmt.Errorf("failed to read body: %w", err)
				}
				text = strings.TrimSpace(string(b))
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = contentType
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			attachments = append(attachments, name)
		}
	}

	switch {
	case len(attachments) > 0:
		inbound.Content = entities.MediaContent{
			MediaType: "attachment",
			Caption:   text,
			FileName:  attachments[0],
		}
	case text != "":
		inbound.Content = entities.TextContent{Text: text}
	case html != "":
		inbound.Content = entities.UnsupportedContent{Kind: html}
	default:
		mediaType, _, _ := mime.ParseMediaType(mr.Header.Get("Content-Type"))
		if mediaType == "" {
			mediaType = "empty"
		}
		inbound.Content = entities.UnsupportedContent{Kind: mediaType}
	}

	return inbound, nil
}

// composeMessage renders a plain text message
func composeMessage(w io.Writer, from string, msg entities.OutboundMessage) error {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.Recipient}})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("failed to generate message id: %w", err)
	}
	h.SetDate(timeNow())

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(body, msg.Text); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return body.Close()
}
