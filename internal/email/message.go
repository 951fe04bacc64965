package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

// InboxIDHeader carries the local message id on messages written to the server
const InboxIDHeader = "X-Inbox-Id"

// Compose renders a message snapshot as an RFC 5322 message whose Message-Id
// is messageID.
func Compose(msg *types.Message, messageID string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	h.Set("Message-Id", messageID)
	h.Set(InboxIDHeader, msg.ID)

	for _, field := range []struct {
		name  string
		addrs []string
	}{
		{"From", msg.From},
		{"To", msg.To},
		{"Cc", msg.Cc},
		{"Bcc", msg.Bcc},
	} {
		if len(field.addrs) == 0 {
			continue
		}
		list, err := parseAddresses(field.addrs)
		if err != nil {
			return nil, reliability.Semantic("compose", fmt.Errorf("invalid %s address: %w", field.name, err))
		}
		h.SetAddressList(field.name, list)
	}

	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		h.Set("References", strings.Join(msg.References, " "))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline writer: %w", err)
	}

	if msg.BodyText != "" || msg.BodyHTML == "" {
		if err := writePart(tw, "text/plain", msg.BodyText); err != nil {
			return nil, err
		}
	}
	if msg.BodyHTML != "" {
		if err := writePart(tw, "text/html", msg.BodyHTML); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func parseAddresses(addrs []string) ([]*mail.Address, error) {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		addr, err := mail.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		list = append(list, addr)
	}
	return list, nil
}

// Identity is the header identity of a raw message
type Identity struct {
	MessageID string
	InboxID   string
	Subject   string
}

// ReadIdentity parses the identifying headers of a raw message
func ReadIdentity(raw []byte) (*Identity, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, reliability.Semantic("parse message", fmt.Errorf("failed to parse message: %w", err))
	}
	return &Identity{
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		InboxID:   strings.TrimSpace(env.GetHeader(InboxIDHeader)),
		Subject:   env.GetHeader("Subject"),
	}, nil
}
