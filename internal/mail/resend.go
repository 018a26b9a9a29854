package mail

import (
	"context"
	"fmt"
	"net/url"

	"sheetmailer/internal/models"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
)

// ResendSender relays through the Resend API. The relay key authenticates the
// service; the task credential only decides the From address.
type ResendSender struct {
	client *resend.Client
	logger *zerolog.Logger
}

func NewResendSender(apiKey, baseURL string, logger *zerolog.Logger) (*ResendSender, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	client := resend.NewClient(apiKey)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse resend base url: %w", err)
		}
		client.BaseURL = u
	}
	return &ResendSender{client: client, logger: logger}, nil
}

func (s *ResendSender) Send(ctx context.Context, cred models.SenderCredential, env models.Envelope, msg models.Message) error {
	if len(env.Recipients()) == 0 {
		return fmt.Errorf("%w: no recipients", models.ErrSend)
	}

	to := env.To
	if len(to) == 0 {
		// the API needs a visible recipient; BCC batches go to the sender itself
		to = []string{cred.FromAddress()}
	}

	params := &resend.SendEmailRequest{
		From:    fromHeader(cred, env.FromName),
		To:      to,
		Bcc:     env.Bcc,
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	for _, a := range msg.Attachments {
		params.Attachments = append(params.Attachments, &resend.Attachment{
			Filename:    a.Filename,
			Content:     a.Content,
			ContentType: a.ContentType,
		})
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: resend: %v", models.ErrSend, err)
	}

	s.logger.Debug().
		Str("message_id", sent.Id).
		Str("from", params.From).
		Int("recipients", len(to)+len(env.Bcc)).
		Msg("resend message sent")
	return nil
}
