package types

import (
	"encoding/json"
	"time"
)

// ActionKind names a pending local mutation to replay on the server
type ActionKind string

const (
	ActionSetStarred   ActionKind = "set-starred"
	ActionSetUnread    ActionKind = "set-unread"
	ActionSetArchived  ActionKind = "set-archived"
	ActionMove         ActionKind = "move"
	ActionChangeLabels ActionKind = "change-labels"
	ActionCreateFolder ActionKind = "create-folder"
	ActionUpdateFolder ActionKind = "update-folder"
	ActionDeleteFolder ActionKind = "delete-folder"
	ActionCreateLabel  ActionKind = "create-label"
	ActionUpdateLabel  ActionKind = "update-label"
	ActionDeleteLabel  ActionKind = "delete-label"
	ActionSaveDraft    ActionKind = "save-draft"
	ActionUpdateDraft  ActionKind = "update-draft"
	ActionDeleteDraft  ActionKind = "delete-draft"
	ActionSaveSent     ActionKind = "save-sent"
)

// ActionStatus is the execution state of an action record
type ActionStatus string

const (
	ActionPending           ActionStatus = "pending"
	ActionExecuting         ActionStatus = "executing"
	ActionSucceeded         ActionStatus = "succeeded"
	ActionRetryScheduled    ActionStatus = "retry-scheduled"
	ActionPermanentlyFailed ActionStatus = "permanently-failed"
)

// Terminal reports whether no further transition can leave this status
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionPermanentlyFailed
}

// Action is a persisted syncback record
type Action struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Kind          ActionKind      `json:"kind"`
	TargetID      string          `json:"target_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        ActionStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// DecodePayload unmarshals the action payload into v
func (a *Action) DecodePayload(v interface{}) error {
	if len(a.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(a.Payload, v)
}

// FlagPayload carries the new value of a boolean message attribute
type FlagPayload struct {
	Value bool `json:"value"`
}

// MovePayload names the destination folder of a move
type MovePayload struct {
	Destination string `json:"destination"`
}

// LabelsPayload lists the labels added to and removed from a message
type LabelsPayload struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// CategoryPayload carries the previous remote name of a renamed or deleted category
type CategoryPayload struct {
	OldName string `json:"old_name,omitempty"`
}

// DraftPayload accompanies draft actions. Delete carries the token because the
// local draft may already be gone.
type DraftPayload struct {
	MessageIDHeader string `json:"message_id_header,omitempty"`
	Version         int    `json:"version,omitempty"`
}

// SentPayload optionally carries the raw MIME of a message that was sent out of band
type SentPayload struct {
	Raw []byte `json:"raw,omitempty"`
}
