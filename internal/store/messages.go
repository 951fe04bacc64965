package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

type messageRow struct {
	ID              string `db:"id"`
	AccountID       string `db:"account_id"`
	MessageIDHeader string `db:"message_id_header"`
	Subject         string `db:"subject"`
	FromAddrs       string `db:"from_addrs"`
	ToAddrs         string `db:"to_addrs"`
	CcAddrs         string `db:"cc_addrs"`
	BccAddrs        string `db:"bcc_addrs"`
	BodyText        string `db:"body_text"`
	BodyHTML        string `db:"body_html"`
	InReplyTo       string `db:"in_reply_to"`
	References      string `db:"references_hdr"`
	IsDraft         bool   `db:"is_draft"`
	Version         int    `db:"version"`
	Date            int64  `db:"date"`
}

const messageColumns = `id, account_id, message_id_header, subject, from_addrs, to_addrs,
	cc_addrs, bcc_addrs, body_text, body_html, in_reply_to, references_hdr, is_draft, version, date`

func (r *messageRow) toMessage() (*types.Message, error) {
	msg := &types.Message{
		ID:              r.ID,
		AccountID:       r.AccountID,
		MessageIDHeader: r.MessageIDHeader,
		Subject:         r.Subject,
		BodyText:        r.BodyText,
		BodyHTML:        r.BodyHTML,
		InReplyTo:       r.InReplyTo,
		IsDraft:         r.IsDraft,
		Version:         r.Version,
		Date:            fromMillis(r.Date),
	}
	lists := []struct {
		raw string
		dst *[]string
	}{
		{r.FromAddrs, &msg.From},
		{r.ToAddrs, &msg.To},
		{r.CcAddrs, &msg.Cc},
		{r.BccAddrs, &msg.Bcc},
		{r.References, &msg.References},
	}
	for _, l := range lists {
		if l.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", r.ID, err)
		}
	}
	return msg, nil
}

// encodeList marshals an address or reference list for storage
func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

// UpsertMessage stores the local snapshot of a message
func (s *Store) UpsertMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id_header = excluded.message_id_header,
			subject = excluded.subject,
			from_addrs = excluded.from_addrs,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			bcc_addrs = excluded.bcc_addrs,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			in_reply_to = excluded.in_reply_to,
			references_hdr = excluded.references_hdr,
			is_draft = excluded.is_draft,
			version = excluded.version,
			date = excluded.date
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.AccountID, msg.MessageIDHeader, msg.Subject,
		encodeList(msg.From), encodeList(msg.To), encodeList(msg.Cc), encodeList(msg.Bcc),
		msg.BodyText, msg.BodyHTML, msg.InReplyTo, encodeList(msg.References),
		msg.IsDraft, msg.Version, millis(msg.Date),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// GetMessage returns a message snapshot by id
func (s *Store) GetMessage(ctx context.Context, accountID, id string) (*types.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT "+messageColumns+" FROM messages WHERE account_id = ? AND id = ?", accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, reliability.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage()
}

// MessageIDsByHeader maps Message-ID header values to local message ids
func (s *Store) MessageIDsByHeader(ctx context.Context, accountID string, headers []string) (map[string]string, error) {
	result := make(map[string]string, len(headers))
	if len(headers) == 0 {
		return result, nil
	}

	query, args, err := sqlxIn(`
		SELECT message_id_header, id FROM messages
		WHERE account_id = ? AND message_id_header IN (?)`, accountID, headers)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Header string `db:"message_id_header"`
		ID     string `db:"id"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to look up messages by header: %w", err)
	}
	for _, r := range rows {
		if _, ok := result[r.Header]; !ok {
			result[r.Header] = r.ID
		}
	}
	return result, nil
}
