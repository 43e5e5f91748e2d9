package mail

import (
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/yourusername/chartio-reports/pkg/model"
	"gopkg.in/gomail.v2"
)

// Mailer delivers captured reports over SMTP
type Mailer struct {
	config model.SMTPConfig
	dial   func() (gomail.SendCloser, error)
}

// NewMailer creates a mailer for the given SMTP server
func NewMailer(config model.SMTPConfig) *Mailer {
	dialer := newDialer(config)
	return &Mailer{
		config: config,
		dial:   dialer.Dial,
	}
}

func newDialer(config model.SMTPConfig) *gomail.Dialer {
	dialer := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	// Also used for STARTTLS when UseTLS is false
	dialer.TLSConfig = &tls.Config{
		InsecureSkipVerify: config.SkipTLSVerify,
		ServerName:         config.Host,
	}
	if !config.UseTLS {
		dialer.SSL = false
	}
	return dialer
}

// CheckConnection dials the SMTP server and hangs up
func (m *Mailer) CheckConnection() error {
	closer, err := m.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s:%d: %w", m.config.Host, m.config.Port, err)
	}
	return closer.Close()
}

// SendReport emails pdf as an attachment named filename
func (m *Mailer) SendReport(recipients model.Recipients, subject, body string, pdf []byte, filename string) error {
	if recipients.Empty() {
		return fmt.Errorf("no recipients")
	}

	msg := m.buildMessage(recipients, subject, body, pdf, filename)

	sender, err := m.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s:%d: %w", m.config.Host, m.config.Port, err)
	}
	defer sender.Close()

	if err := gomail.Send(sender, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (m *Mailer) buildMessage(recipients model.Recipients, subject, body string, pdf []byte, filename string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	if len(recipients.To) > 0 {
		msg.SetHeader("To", recipients.To...)
	}
	if len(recipients.CC) > 0 {
		msg.SetHeader("Cc", recipients.CC...)
	}
	if len(recipients.BCC) > 0 {
		msg.SetHeader("Bcc", recipients.BCC...)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	if len(pdf) > 0 {
		msg.Attach(filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(pdf)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
		)
	}
	return msg
}

// InterpolateTemplate replaces {{key}} placeholders with vars[key].
// Unknown placeholders are left as they are.
func InterpolateTemplate(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
