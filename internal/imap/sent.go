package imap

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emersion/go-imap"
)

// AppendSent files a delivered message into the account's Sent folder,
// marked as seen. It returns the folder the message was stored in.
func AppendSent(ctx context.Context, account Account, folder string, msg []byte) (string, error) {
	if folder == "" {
		folder = "Sent"
	}

	c, err := open(account)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := c.Logout(); err != nil {
			log.Printf("IMAP: Failed to log out after append: %v", err)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	target, err := resolveSentFolder(c, folder)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := c.Append(target, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(msg)); err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", target, err)
	}
	return target, nil
}
