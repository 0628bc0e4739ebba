package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ErrNoRecipients is returned when a message has no envelope recipient.
var ErrNoRecipients = errors.New("message has no recipients")

// SMTPServer is where and as whom outgoing mail is submitted.
type SMTPServer struct {
	// Address is host:port of the submission server.
	Address  string
	Username string
	Password string
	// UseTLS dials with implicit TLS on port 465 and upgrades with STARTTLS
	// elsewhere. Tests run against a plain server with UseTLS off.
	UseTLS bool
}

// Send submits msg for the given envelope. The connection is closed before Send returns.
func Send(ctx context.Context, server SMTPServer, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}

	c, err := dial(ctx, server)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
		c.SubmissionTimeout = time.Until(deadline)
	}

	if server.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", server.Username, server.Password)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := bytes.NewReader(msg).WriteTo(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}
	return nil
}

func dial(ctx context.Context, server SMTPServer) (*smtp.Client, error) {
	host, port, err := net.SplitHostPort(server.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", server.Address, err)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	tlsConfig := &tls.Config{ServerName: host}

	if server.UseTLS && port == "465" {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return smtp.NewClient(conn), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if server.UseTLS {
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return c, nil
	}
	return smtp.NewClient(conn), nil
}
