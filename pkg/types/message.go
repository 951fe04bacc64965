package types

import "time"

// Message is the local snapshot of a message that syncback handlers read from
type Message struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	MessageIDHeader string    `json:"message_id_header,omitempty"`
	Subject         string    `json:"subject"`
	From            []string  `json:"from"`
	To              []string  `json:"to"`
	Cc              []string  `json:"cc,omitempty"`
	Bcc             []string  `json:"bcc,omitempty"`
	BodyText        string    `json:"body_text,omitempty"`
	BodyHTML        string    `json:"body_html,omitempty"`
	InReplyTo       string    `json:"in_reply_to,omitempty"`
	References      []string  `json:"references,omitempty"`
	IsDraft         bool      `json:"is_draft"`
	Version         int       `json:"version"`
	Date            time.Time `json:"date"`
}

// UIDMapping binds a local message to a server UID inside one folder
type UIDMapping struct {
	MessageID string `json:"message_id"`
	Folder    string `json:"folder"`
	UID       uint32 `json:"uid"`
}

// Heartbeat is the liveness record written for an account-folder pair
type Heartbeat struct {
	AccountID string    `json:"account_id"`
	Folder    string    `json:"folder"`
	Host      string    `json:"host"`
	UpdatedAt time.Time `json:"updated_at"`
}
