// Package mail delivers transactional email over SMTP. Delivery is a
// collaborator of the verification gate, never part of its state: a failed
// send leaves any issued code valid.
package mail

import (
	"errors"
	"fmt"
	"net/smtp"

	"tropl/internal/config"
)

// Mailer 通过 SMTP 发送验证码与欢迎邮件。
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewMailer 构造 Mailer。
func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
	}
}

// Send 发送一封 HTML 邮件。
func (m *Mailer) Send(to, subject, htmlBody string) error {
	if m.host == "" || m.port <= 0 || m.username == "" || m.password == "" {
		return errors.New("smtp is not configured")
	}

	from := m.from
	if from == "" {
		from = m.username
	}

	msg := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=\"utf-8\"\r\n"+
			"\r\n%s\r\n",
		from, to, subject, htmlBody,
	))

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	if err := smtp.SendMail(addr, auth, from, []string{to}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

// SendOTP 发送验证码邮件。
func (m *Mailer) SendOTP(to, name, code string, expiryMinutes int) error {
	subject := "Verify your email"
	body := fmt.Sprintf(`<div style="font-family:sans-serif;max-width:480px;margin:0 auto">
<h2>Hi %s,</h2>
<p>Use the code below to verify your email address. It expires in %d minutes.</p>
<p style="font-size:32px;letter-spacing:8px;font-weight:bold">%s</p>
<p>If you did not sign up, you can safely ignore this email.</p>
</div>`, name, expiryMinutes, code)
	return m.Send(to, subject, body)
}

// SendWelcome 发送验证完成后的欢迎邮件。
func (m *Mailer) SendWelcome(to, name string) error {
	subject := "Welcome aboard"
	body := fmt.Sprintf(`<div style="font-family:sans-serif;max-width:480px;margin:0 auto">
<h2>Welcome, %s!</h2>
<p>Your email is verified. Upload your resume to get started.</p>
</div>`, name)
	return m.Send(to, subject, body)
}
