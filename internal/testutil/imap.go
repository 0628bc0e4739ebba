package testutil

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

func startIMAPServer(listenAddr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Memory backend creates a default user with these credentials
	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}, nil
}

// NewTestIMAPServer starts an IMAP server with an in-memory backend on a
// random local port. It is shut down when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := startIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// NewTestIMAPServerForE2E starts an IMAP server on the fixed port 1143.
func NewTestIMAPServerForE2E() (*TestIMAPServer, error) {
	return startIMAPServer("127.0.0.1:1143")
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Dial opens a logged-in client connection to the test server.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	c, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}
	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return c, nil
}

// CreateFolder creates a mailbox for the default user, ignoring one that already exists.
func (s *TestIMAPServer) CreateFolder(name string) error {
	c, err := s.Dial()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Logout()
	}()

	if _, err := c.Select(name, true); err == nil {
		return nil
	}
	if err := c.Create(name); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	return nil
}

// FetchBodies returns the full RFC 822 bodies of all messages in a folder.
func (s *TestIMAPServer) FetchBodies(t *testing.T, folderName string) [][]byte {
	t.Helper()

	c, err := s.Dial()
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer func() {
		_ = c.Logout()
	}()

	mbox, err := c.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select %s: %v", folderName, err)
	}
	if mbox.Messages == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, mbox.Messages)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, mbox.Messages)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var bodies [][]byte
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		body, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("Failed to read body: %v", err)
		}
		bodies = append(bodies, body)
	}
	if err := <-done; err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	return bodies
}
