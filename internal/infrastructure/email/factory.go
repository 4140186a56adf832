package email

import (
	"time"

	"github.com/emersion/go-smtp"

	"github.com/Conte777/connector-service/config"
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// Options are server defaults for accounts that do not store their own addresses
type Options struct {
	IMAPAddr     string
	SMTPAddr     string
	UseTLS       bool
	PollInterval time.Duration
}

// Factory builds mailbox adapters
type Factory struct {
	options Options
	send    sendFunc
}

var _ deps.AdapterFactory = (*Factory)(nil)

// NewFactory creates a factory from email configuration
func NewFactory(cfg *config.EmailConfig) *Factory {
	opts := Options{
		IMAPAddr:     cfg.IMAPAddr,
		SMTPAddr:     cfg.SMTPAddr,
		UseTLS:       cfg.UseTLS,
		PollInterval: cfg.PollInterval,
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Factory{options: opts, send: smtp.SendMail}
}

func (f *Factory) Network() credential.Network { return credential.NetworkEmail }

func (f *Factory) Flow() entities.AuthFlow {
	return entities.AuthFlow{
		Network: credential.NetworkEmail,
		Steps:   []entities.AuthStep{entities.StepPassword},
	}
}

func (f *Factory) New(cfg deps.AdapterConfig) (deps.Adapter, error) {
	return &Adapter{
		accountKey: cfg.AccountKey,
		options:    f.options,
		secrets:    cfg.Secrets,
		send:       f.send,
		logger:     cfg.Logger.With().Str("component", "email").Logger(),
	}, nil
}
