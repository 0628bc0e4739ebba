package imap

import (
	"fmt"
	"slices"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ListFolders lists all folders on the IMAP server.
func ListFolders(c *client.Client) ([]*imap.MailboxInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []*imap.MailboxInfo
	for m := range mailboxes {
		folders = append(folders, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// resolveSentFolder returns the folder sent mail is filed into: the
// configured name if it exists, else the folder flagged \Sent, else the
// configured name after creating it.
func resolveSentFolder(c *client.Client, configured string) (string, error) {
	folders, err := ListFolders(c)
	if err != nil {
		return "", err
	}

	var flagged string
	for _, f := range folders {
		if f.Name == configured {
			return configured, nil
		}
		if flagged == "" && slices.Contains(f.Attributes, imap.SentAttr) {
			flagged = f.Name
		}
	}
	if flagged != "" {
		return flagged, nil
	}

	if err := c.Create(configured); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", configured, err)
	}
	return configured, nil
}
