// Package mail delivers rendered messages through SMTP or the Resend relay.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"sheetmailer/internal/models"

	"github.com/rs/zerolog"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender logs in with each task's own credential. smtp.SendMail upgrades
// to STARTTLS when the server offers it.
type SMTPSender struct {
	host     string
	port     int
	sendMail sendMailFunc
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewSMTPSender(host string, port int, logger *zerolog.Logger) *SMTPSender {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SMTPSender{
		host:     host,
		port:     port,
		sendMail: smtp.SendMail,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, cred models.SenderCredential, env models.Envelope, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rcpts := env.Recipients()
	if len(rcpts) == 0 {
		return fmt.Errorf("%w: no recipients", models.ErrSend)
	}
	if cred.Account == "" {
		return fmt.Errorf("%w: sender account is empty", models.ErrSend)
	}

	body, err := buildMessage(cred, env, msg, s.now())
	if err != nil {
		return fmt.Errorf("%w: build message: %v", models.ErrSend, err)
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	auth := smtp.PlainAuth("", cred.Account, cred.Secret, s.host)

	// net/smtp has no context support; the call blocks until the server answers
	if err := s.sendMail(addr, auth, cred.Account, rcpts, body); err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return fmt.Errorf("%w: smtp %d: %s", models.ErrSend, tpErr.Code, tpErr.Msg)
		}
		return fmt.Errorf("%w: %v", models.ErrSend, err)
	}

	s.logger.Debug().
		Str("account", cred.Account).
		Int("recipients", len(rcpts)).
		Msg("smtp message sent")
	return nil
}
