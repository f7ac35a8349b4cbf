package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
)

// SMTPSender is the production Sender, adapted from the teacher's
// provider/smtp.Client (internal/provider/smtp/email.go): same
// net/smtp.SendMail plumbing, generalized to classify errors as
// transient or permanent per spec §6.4 instead of returning a bare error.
type SMTPSender struct {
	host string
	port string
	user string
	pass string
	from string
}

type SMTPConfig struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	from := cfg.From
	if strings.TrimSpace(from) == "" {
		from = cfg.User
	}
	return &SMTPSender{host: cfg.Host, port: cfg.Port, user: cfg.User, pass: cfg.Pass, from: from}
}

func (s *SMTPSender) Send(_ context.Context, msg RenderedMessage) (SendOutcome, error) {
	addr := net.JoinHostPort(s.host, s.port)
	auth := smtp.PlainAuth("", s.user, s.pass, s.host)

	var sb strings.Builder
	sb.WriteString("From: " + s.from + "\r\n")
	sb.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	sb.WriteString("Subject: " + msg.Subject + "\r\n")
	sb.WriteString("X-Message-ID: " + msg.MessageID + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(msg.Body)

	if len(msg.To) == 0 {
		return SendPermanentError, fmt.Errorf("notification: no recipients for message %q", msg.MessageID)
	}

	err := smtp.SendMail(addr, auth, s.from, msg.To, []byte(sb.String()))
	if err == nil {
		return SendSuccess, nil
	}
	if isPermanent(err) {
		return SendPermanentError, err
	}
	return SendTransientError, err
}

// isPermanent classifies an SMTP error by its reply code: 5xx codes are
// permanent (bad recipient, rejected message), everything else (network
// errors, 4xx) is treated as transient and retried.
func isPermanent(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}
	return false
}
