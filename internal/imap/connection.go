package imap

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
)

// Account is an IMAP mailbox and the credentials to open it.
type Account struct {
	// Server is host:port.
	Server   string
	Username string
	Password string
	// UseTLS is true in production (implicit TLS) and false against the test server.
	UseTLS bool
}

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}

// open connects and logs in to the account. The caller must log out.
func open(account Account) (*client.Client, error) {
	c, err := ConnectToIMAP(account.Server, account.UseTLS)
	if err != nil {
		return nil, err
	}
	if err := Login(c, account.Username, account.Password); err != nil {
		_ = c.Logout()
		return nil, err
	}
	return c, nil
}
