package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

var ErrMailNotConfigured = errors.New("mail transport not configured")

// SMTPTransport delivers fallback mail through an authenticated SMTP
// submission endpoint. Polling is not implemented on this transport; a
// host that wants inbound mail supplies its own MailTransport.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
}

func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	return &SMTPTransport{Host: host, Port: port, Username: username, Password: password}
}

func (t *SMTPTransport) DeliverMail(_ context.Context, mail OutboundMail) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	auth := smtp.PlainAuth("", t.Username, t.Password, t.Host)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.Username)
	fmt.Fprintf(&b, "To: %s\r\n", mail.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mail.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(mail.Body)
	return smtp.SendMail(addr, auth, t.Username, []string{mail.To}, []byte(b.String()))
}

func (t *SMTPTransport) PollMail(_ context.Context) ([]RawMessage, error) {
	return nil, nil
}

// Disabled is the transport used when no mail account is configured:
// every delivery fails and polling yields nothing, so the router's relay
// path reports ErrRelay instead of hanging.
type Disabled struct{}

func (Disabled) DeliverMail(context.Context, OutboundMail) error {
	return ErrMailNotConfigured
}

func (Disabled) PollMail(context.Context) ([]RawMessage, error) {
	return nil, nil
}
