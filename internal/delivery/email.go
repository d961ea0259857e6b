package delivery

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// EmailConfig is the outbound SMTP relay configuration for the email channel.
type EmailConfig struct {
	Host string
	Port int
	From string
	Auth smtp.Auth
}

// EmailChannel delivers a notification as a plain-text email summarizing the
// bundle, to the address stored as a subscription's channel.endpoint
// (a "mailto:" URI; see mailtoAddress). No example repo in
// the corpus wires an email SDK (transactional-email APIs like SendGrid/SES
// never appear), so this uses net/smtp directly rather than inventing a
// dependency with no grounding.
type EmailChannel struct {
	cfg    EmailConfig
	logger zerolog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg EmailConfig, logger zerolog.Logger) *EmailChannel {
	return &EmailChannel{cfg: cfg, logger: logger.With().Str("channel", "email").Logger(), send: smtp.SendMail}
}

func (c *EmailChannel) Deliver(ctx context.Context, n Notification) Result {
	start := time.Now()
	to := mailtoAddress(n.ChannelEndpoint)
	if to == "" {
		return Result{Success: false, ResponseTime: time.Since(start), Error: "channel endpoint is not a mailto: address"}
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: FHIR subscription notification\r\n\r\n%s\r\n",
		c.cfg.From, to, string(n.Bundle))

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	err := c.send(addr, c.cfg.Auth, c.cfg.From, []string{to}, []byte(msg))
	elapsed := time.Since(start)
	if err != nil {
		return Result{Success: false, ResponseTime: elapsed, Error: err.Error()}
	}
	return Result{Success: true, ResponseTime: elapsed}
}

func mailtoAddress(endpoint string) string {
	const prefix = "mailto:"
	if len(endpoint) <= len(prefix) || endpoint[:len(prefix)] != prefix {
		return ""
	}
	return endpoint[len(prefix):]
}
