package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateServer inserts a new server endpoint record.
func (st *Store) CreateServer(server *Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.CreatedAt = time.Now().UTC()
	server.UpdatedAt = server.CreatedAt

	query := `INSERT INTO servers (id, name, url, principal_path, server_type, verify_ssl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := st.conn.Exec(query, server.ID, server.Name, server.URL, server.PrincipalPath,
		server.ServerType, server.VerifySSL, server.CreatedAt, server.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: server name %q", ErrDuplicate, server.Name)
		}
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// GetServerByID returns a server by its ID.
func (st *Store) GetServerByID(id string) (*Server, error) {
	query := `SELECT id, name, url, principal_path, server_type, verify_ssl, created_at, updated_at
		FROM servers WHERE id = ?`
	server := &Server{}
	err := st.conn.QueryRow(query, id).Scan(&server.ID, &server.Name, &server.URL,
		&server.PrincipalPath, &server.ServerType, &server.VerifySSL, &server.CreatedAt, &server.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

// ListServers returns all server records ordered by name.
func (st *Store) ListServers() ([]Server, error) {
	query := `SELECT id, name, url, principal_path, server_type, verify_ssl, created_at, updated_at
		FROM servers ORDER BY name`
	rows, err := st.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	servers := []Server{}
	for rows.Next() {
		var server Server
		if err := rows.Scan(&server.ID, &server.Name, &server.URL, &server.PrincipalPath,
			&server.ServerType, &server.VerifySSL, &server.CreatedAt, &server.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server and, via cascade, its accounts.
func (st *Store) DeleteServer(id string) error {
	result, err := st.conn.Exec(`DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAccount inserts a new account record.
func (st *Store) CreateAccount(account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	query := `INSERT INTO accounts (id, name, server_id, username, password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := st.conn.Exec(query, account.ID, account.Name, account.ServerID,
		account.Username, account.Password, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: account name %q", ErrDuplicate, account.Name)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccountByID returns an account by its ID.
func (st *Store) GetAccountByID(id string) (*Account, error) {
	query := `SELECT id, name, server_id, username, password, created_at, updated_at
		FROM accounts WHERE id = ?`
	account := &Account{}
	err := st.conn.QueryRow(query, id).Scan(&account.ID, &account.Name, &account.ServerID,
		&account.Username, &account.Password, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns all account records ordered by name.
func (st *Store) ListAccounts() ([]Account, error) {
	query := `SELECT id, name, server_id, username, password, created_at, updated_at
		FROM accounts ORDER BY name`
	rows, err := st.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.ID, &account.Name, &account.ServerID,
			&account.Username, &account.Password, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// GetAccountConfig returns the joined account+server view needed to open a
// protocol session for the account.
func (st *Store) GetAccountConfig(accountID string) (*AccountConfig, error) {
	query := `SELECT a.name, s.url, s.principal_path, s.server_type, s.verify_ssl, a.username, a.password
		FROM accounts a JOIN servers s ON a.server_id = s.id WHERE a.id = ?`
	cfg := &AccountConfig{}
	err := st.conn.QueryRow(query, accountID).Scan(&cfg.AccountName, &cfg.URL, &cfg.PrincipalPath,
		&cfg.ServerType, &cfg.VerifySSL, &cfg.Username, &cfg.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account config: %w", err)
	}
	return cfg, nil
}

// CreateJob inserts a new job record with status pending.
func (st *Store) CreateJob(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = time.Now().UTC()
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Stats == "" {
		job.Stats = "{}"
	}

	selCal, err := marshalNullable(job.SelectedCalendars, job.SelectedCalendars == nil)
	if err != nil {
		return err
	}
	selAB, err := marshalNullable(job.SelectedAddressBooks, job.SelectedAddressBooks == nil)
	if err != nil {
		return err
	}
	mapCal, err := marshalNullable(job.CalendarMapping, job.CalendarMapping == nil)
	if err != nil {
		return err
	}
	mapAB, err := marshalNullable(job.AddressBookMapping, job.AddressBookMapping == nil)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (
		id, name, source_account_id, destination_account_id,
		migrate_calendars, migrate_contacts, create_collections, dry_run, skip_dummy_events,
		selected_calendars, selected_addressbooks, calendar_mapping, addressbook_mapping,
		status, progress, stats, error_message, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = st.conn.Exec(query,
		job.ID, job.Name, job.SourceAccountID, job.DestinationAccountID,
		job.MigrateCalendars, job.MigrateContacts, job.CreateCollections, job.DryRun, job.SkipDummyEvents,
		selCal, selAB, mapCal, mapAB,
		job.Status, job.Progress, job.Stats, job.ErrorMessage, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

const jobColumns = `id, name, source_account_id, destination_account_id,
	migrate_calendars, migrate_contacts, create_collections, dry_run, skip_dummy_events,
	selected_calendars, selected_addressbooks, calendar_mapping, addressbook_mapping,
	status, progress, stats, error_message, created_at, started_at, completed_at`

// GetJobByID returns a job by its ID.
func (st *Store) GetJobByID(id string) (*Job, error) {
	row := st.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs, newest first.
func (st *Store) ListJobs() ([]Job, error) {
	rows, err := st.conn.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and its logs.
func (st *Store) DeleteJob(id string) error {
	result, err := st.conn.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetJob returns a job to pending with zero progress, clearing the error
// message, stats and timestamps from any previous run.
func (st *Store) ResetJob(id string) error {
	query := `UPDATE jobs SET status = ?, progress = 0, stats = '{}', error_message = NULL,
		started_at = NULL, completed_at = NULL WHERE id = ?`
	return st.execJobUpdate(query, StatusPending, id)
}

// MarkJobQueued sets the job status to queued.
func (st *Store) MarkJobQueued(id string) error {
	return st.execJobUpdate(`UPDATE jobs SET status = ? WHERE id = ?`, StatusQueued, id)
}

// StartJob marks a job running and stamps started_at.
func (st *Store) StartJob(id string) error {
	query := `UPDATE jobs SET status = ?, progress = 0, error_message = NULL, started_at = ? WHERE id = ?`
	return st.execJobUpdate(query, StatusRunning, time.Now().UTC(), id)
}

// UpdateJobProgress writes the job's global progress percentage.
func (st *Store) UpdateJobProgress(id string, progress int) error {
	return st.execJobUpdate(`UPDATE jobs SET progress = ? WHERE id = ?`, progress, id)
}

// UpdateJobStats stores the stats snapshot as JSON.
func (st *Store) UpdateJobStats(id string, statsJSON string) error {
	return st.execJobUpdate(`UPDATE jobs SET stats = ? WHERE id = ?`, statsJSON, id)
}

// FinishJob records a terminal status, error message and completed_at.
func (st *Store) FinishJob(id string, status JobStatus, errorMessage *string) error {
	query := `UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`
	return st.execJobUpdate(query, status, errorMessage, time.Now().UTC(), id)
}

// CompleteJob marks a job completed with full progress.
func (st *Store) CompleteJob(id string) error {
	query := `UPDATE jobs SET status = ?, progress = 100, error_message = NULL, completed_at = ? WHERE id = ?`
	return st.execJobUpdate(query, StatusCompleted, time.Now().UTC(), id)
}

// AppendJobLog appends one log entry to a job's log stream.
func (st *Store) AppendJobLog(jobID, level, message string) error {
	query := `INSERT INTO job_logs (job_id, level, message, timestamp) VALUES (?, ?, ?, ?)`
	if _, err := st.conn.Exec(query, jobID, level, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// ListJobLogs returns a job's log entries in append order.
func (st *Store) ListJobLogs(jobID string) ([]JobLog, error) {
	query := `SELECT id, job_id, level, message, timestamp FROM job_logs WHERE job_id = ? ORDER BY id`
	rows, err := st.conn.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", err)
	}
	defer rows.Close()

	logs := []JobLog{}
	for rows.Next() {
		var entry JobLog
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Level, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (st *Store) execJobUpdate(query string, args ...any) error {
	result, err := st.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var selCal, selAB, mapCal, mapAB, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Name, &job.SourceAccountID, &job.DestinationAccountID,
		&job.MigrateCalendars, &job.MigrateContacts, &job.CreateCollections, &job.DryRun, &job.SkipDummyEvents,
		&selCal, &selAB, &mapCal, &mapAB,
		&job.Status, &job.Progress, &job.Stats, &errMsg, &job.CreatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	if err := unmarshalNullable(selCal, &job.SelectedCalendars); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(selAB, &job.SelectedAddressBooks); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(mapCal, &job.CalendarMapping); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(mapAB, &job.AddressBookMapping); err != nil {
		return nil, err
	}
	return job, nil
}

// marshalNullable encodes a selection set or mapping to JSON, keeping NULL
// for the unconfigured (nil) case so it stays distinct from empty.
func marshalNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal job field: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(src sql.NullString, dst any) error {
	if !src.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal job field: %w", err)
	}
	return nil
}
