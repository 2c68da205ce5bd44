package store

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a migration job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Server is a CalDAV/CardDAV server endpoint record.
type Server struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	PrincipalPath string    `json:"principal_path"`
	ServerType    string    `json:"server_type"`
	VerifySSL     bool      `json:"verify_ssl"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Account is a credential bound to a server.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ServerID  string    `json:"server_id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is a migration job record. Selection sets distinguish nil (all) from
// empty (none); mappings are nil when unconfigured.
type Job struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`

	MigrateCalendars  bool `json:"migrate_calendars"`
	MigrateContacts   bool `json:"migrate_contacts"`
	CreateCollections bool `json:"create_collections"`
	DryRun            bool `json:"dry_run"`
	SkipDummyEvents   bool `json:"skip_dummy_events"`

	SelectedCalendars    []string          `json:"selected_calendars,omitempty"`
	SelectedAddressBooks []string          `json:"selected_addressbooks,omitempty"`
	CalendarMapping      map[string]string `json:"calendar_mapping,omitempty"`
	AddressBookMapping   map[string]string `json:"addressbook_mapping,omitempty"`

	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Stats        string    `json:"-"`
	ErrorMessage *string   `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatsMap decodes the stats snapshot.
func (j *Job) StatsMap() map[string]any {
	out := map[string]any{}
	if j.Stats != "" {
		_ = json.Unmarshal([]byte(j.Stats), &out)
	}
	return out
}

// JobLog is one append-only log entry attached to a job.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountConfig is the joined account+server view the worker needs to open a
// protocol session.
type AccountConfig struct {
	AccountName   string
	URL           string
	PrincipalPath string
	ServerType    string
	VerifySSL     bool
	Username      string
	Password      string
}
