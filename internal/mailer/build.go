package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrNoSender is returned when a message has no usable From address.
var ErrNoSender = errors.New("sender address is not set")

const noSubject = "(no subject)"

// File is an attachment ready to be written into a message.
type File struct {
	Name        string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

// FileFromAttachment pairs an attachment record with its plain bytes.
func FileFromAttachment(a models.Attachment, data []byte) File {
	return File{
		Name:        a.Name,
		ContentType: a.ContentType,
		ContentID:   a.ContentID,
		Inline:      a.IsInline && a.ContentID != "",
		Data:        data,
	}
}

// ParseSender turns the sender of a draft ("Name <addr>" or a bare address)
// into an address. fallbackName is used when the draft only has an address.
func ParseSender(sender, fallbackName string) (mail.Address, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return mail.Address{}, ErrNoSender
	}
	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return mail.Address{}, fmt.Errorf("invalid sender %q: %w", sender, err)
	}
	if addr.Name == "" {
		addr.Name = fallbackName
	}
	return *addr, nil
}

func parseAddressList(field string, list []string) ([]mail.Address, error) {
	out := make([]mail.Address, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s address %q: %w", field, raw, err)
		}
		out = append(out, *addr)
	}
	return out, nil
}

// headers starts a builder with the envelope of m.
func headers(from mail.Address, m models.Mail, date time.Time) (enmime.MailBuilder, error) {
	to, err := parseAddressList("to", m.Receiver)
	if err != nil {
		return enmime.MailBuilder{}, err
	}
	cc, err := parseAddressList("cc", m.CC)
	if err != nil {
		return enmime.MailBuilder{}, err
	}
	bcc, err := parseAddressList("bcc", m.BCC)
	if err != nil {
		return enmime.MailBuilder{}, err
	}

	subject := m.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}

	return enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs(to).
		CCAddrs(cc).
		BCCAddrs(bcc).
		Subject(subject).
		Date(date), nil
}

// Build renders m with its files as an RFC 5322 message. Bcc recipients are
// kept out of the headers; pass m.Recipients() to the SMTP envelope instead.
func Build(from mail.Address, m models.Mail, files []File) ([]byte, error) {
	b, err := headers(from, m, time.Now())
	if err != nil {
		return nil, err
	}

	if m.IsHTML {
		b = b.HTML([]byte(m.Content))
		if m.ContentPlain != "" {
			b = b.Text([]byte(m.ContentPlain))
		}
	} else {
		text := m.ContentPlain
		if text == "" {
			text = m.Content
		}
		b = b.Text([]byte(text))
	}

	for _, f := range files {
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if f.Inline {
			b = b.AddInline(f.Data, contentType, f.Name, f.ContentID)
		} else {
			b = b.AddAttachment(f.Data, contentType, f.Name)
		}
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildPGPMime wraps an armored PGP message into a multipart/encrypted
// message as described in RFC 3156. The armored text must hold a complete
// MIME entity.
func BuildPGPMime(from mail.Address, m models.Mail, armored string) ([]byte, error) {
	// The builder sets and validates the envelope headers; its body is replaced below.
	b, err := headers(from, m, time.Now())
	if err != nil {
		return nil, err
	}
	envelope, err := b.Text([]byte(models.PGPMimeDefaultContent)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	root := enmime.NewPart("multipart/encrypted")
	root.ContentTypeParams = map[string]string{"protocol": "application/pgp-encrypted"}
	for _, h := range []string{"From", "To", "Cc", "Subject", "Date", "MIME-Version"} {
		if v := envelope.Header.Get(h); v != "" {
			root.Header.Set(h, v)
		}
	}

	control := enmime.NewPart("application/pgp-encrypted")
	control.Content = []byte("Version: 1\r\n")
	root.AddChild(control)

	payload := enmime.NewPart("application/octet-stream")
	payload.Disposition = "inline"
	payload.FileName = models.PGPMimeDefaultAttachmentFileName
	payload.Content = []byte(armored)
	root.AddChild(payload)

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PGP/MIME message: %w", err)
	}
	return buf.Bytes(), nil
}
