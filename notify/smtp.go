package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/MrEthical07/otpauth"
)

// SMTPConfig configures direct mail delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Product names the sender in subjects, e.g. "Acme".
	Product     string
	DialTimeout time.Duration
}

// SMTPNotifier mails codes and links over SMTP, using implicit TLS on 465
// and STARTTLS elsewhere when the server offers it.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(ctx context.Context, from, to string, msg []byte) error
}

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if parseAddress(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	n := &SMTPNotifier{cfg: cfg}
	n.send = n.sendMail
	return n, nil
}

// Deliver describes the deliver operation and its observable behavior.
//
// Deliver may return an error when input validation, dependency calls, or security checks fail.
// Deliver does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (n *SMTPNotifier) Deliver(ctx context.Context, d otpauth.Delivery) error {
	if strings.ContainsAny(d.Identity, "\r\n") {
		return errors.New("invalid recipient")
	}

	subject, body := n.compose(d)
	msg := buildMessage(n.cfg.From, d.Identity, subject, body)

	// Transport and 4yz reply errors are returned unwrapped; the engine's
	// retry classifier recognises them.
	return n.send(ctx, parseAddress(n.cfg.From), d.Identity, []byte(msg))
}

func (n *SMTPNotifier) compose(d otpauth.Delivery) (string, string) {
	product := n.cfg.Product
	if product == "" {
		product = "your account"
	}
	minutes := int(time.Until(d.ExpiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	if d.Kind == otpauth.DeliveryMagicLink {
		return "Your sign-in link for " + product,
			"Open this link to finish signing in:\n\n" + d.Link +
				fmt.Sprintf("\n\nThe link works once and expires in %d minute(s).", minutes)
	}
	return "Your sign-in code for " + product,
		"Your verification code is: " + d.Code +
			fmt.Sprintf("\n\nThe code expires in %d minute(s). If you did not request it, ignore this email.", minutes)
}

func (n *SMTPNotifier) sendMail(ctx context.Context, from, to string, msg []byte) error {
	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprint(n.cfg.Port))

	client, err := n.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if n.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(msg); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (n *SMTPNotifier) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: n.cfg.DialTimeout}
	tlsConfig := &tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}

	if n.cfg.Port == 465 {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, n.cfg.Host)
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

func buildMessage(from, to, subject, body string) string {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"Auto-Submitted: auto-generated",
		"",
		body,
	}
	return strings.Join(headers, "\r\n")
}

func parseAddress(from string) string {
	start := strings.Index(from, "<")
	end := strings.Index(from, ">")
	if start >= 0 && end > start {
		return strings.TrimSpace(from[start+1 : end])
	}
	return strings.TrimSpace(from)
}
