package types

import "time"

// ProviderFamily selects which set of syncback handlers applies to an account
type ProviderFamily string

const (
	FamilyGeneric  ProviderFamily = "generic"
	FamilyGmail    ProviderFamily = "gmail"
	FamilyFastmail ProviderFamily = "fastmail"
)

// Families lists every supported provider family
var Families = []ProviderFamily{FamilyGeneric, FamilyGmail, FamilyFastmail}

// Valid reports whether f is a known provider family
func (f ProviderFamily) Valid() bool {
	for _, known := range Families {
		if f == known {
			return true
		}
	}
	return false
}

// SyncState is the lifecycle state of an account's sync supervisor
type SyncState string

const (
	SyncNotRunning      SyncState = "not-running"
	SyncRunning         SyncState = "running"
	SyncStopped         SyncState = "stopped"
	SyncKilled          SyncState = "killed"
	SyncInvalid         SyncState = "invalid"
	SyncConnectionError SyncState = "connection-error"
)

// Restartable reports whether the retry sweep may start an account in this state
func (s SyncState) Restartable() bool {
	switch s {
	case SyncNotRunning, SyncStopped, SyncConnectionError:
		return true
	}
	return false
}

// SyncType distinguishes a first sync from a resumed one
type SyncType string

const (
	SyncTypeNew     SyncType = "new"
	SyncTypeResumed SyncType = "resumed"
)

// SyncStatus is the free-form status blob recorded on every lifecycle transition
type SyncStatus struct {
	SyncType      SyncType   `json:"sync_type,omitempty"`
	SyncStartTime *time.Time `json:"sync_start_time,omitempty"`
	SyncEndTime   *time.Time `json:"sync_end_time,omitempty"`
	SyncError     string     `json:"sync_error,omitempty"`
}

// Account is a mail account as seen by the sync engine
type Account struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Provider      ProviderFamily `json:"provider"`
	SyncState     SyncState      `json:"sync_state"`
	SyncShouldRun bool           `json:"sync_should_run"`
	StopRequested bool           `json:"stop_requested"`
	SyncHost      string         `json:"sync_host,omitempty"`
	Status        SyncStatus     `json:"sync_status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
