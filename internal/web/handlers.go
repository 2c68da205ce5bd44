// Package web exposes the HTTP API: server and account registration, job
// management, and queue control.
package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/cascadeops/davmigrate/internal/store"
	"github.com/cascadeops/davmigrate/internal/worker"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	st     *store.Store
	worker *worker.Worker
	logger *log.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st *store.Store, w *worker.Worker, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.Default()
	}
	return &Handlers{st: st, worker: w, logger: logger.With("component", "web")}
}

// HealthCheck reports service liveness.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateServerRequest is the request body for registering a server.
type CreateServerRequest struct {
	Name          string `json:"name" binding:"required"`
	URL           string `json:"url" binding:"required"`
	PrincipalPath string `json:"principal_path"`
	ServerType    string `json:"server_type"`
	VerifySSL     *bool  `json:"verify_ssl"`
}

// CreateServer registers a CalDAV/CardDAV server endpoint.
func (h *Handlers) CreateServer(c *gin.Context) {
	var req CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	verifySSL := true
	if req.VerifySSL != nil {
		verifySSL = *req.VerifySSL
	}
	server := &store.Server{
		Name:          req.Name,
		URL:           req.URL,
		PrincipalPath: req.PrincipalPath,
		ServerType:    req.ServerType,
		VerifySSL:     verifySSL,
	}
	if err := h.st.CreateServer(server); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Server name already exists"})
			return
		}
		h.logger.Error("failed to create server", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create server"})
		return
	}
	c.JSON(http.StatusCreated, server)
}

// ListServers returns all registered servers.
func (h *Handlers) ListServers(c *gin.Context) {
	servers, err := h.st.ListServers()
	if err != nil {
		h.logger.Error("failed to list servers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list servers"})
		return
	}
	c.JSON(http.StatusOK, servers)
}

// GetServer returns one server by ID.
func (h *Handlers) GetServer(c *gin.Context) {
	server, err := h.st.GetServerByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
			return
		}
		h.logger.Error("failed to get server", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get server"})
		return
	}
	c.JSON(http.StatusOK, server)
}

// DeleteServer removes a server and its accounts.
func (h *Handlers) DeleteServer(c *gin.Context) {
	if err := h.st.DeleteServer(c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
			return
		}
		h.logger.Error("failed to delete server", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server deleted"})
}

// CreateAccountRequest is the request body for registering an account.
type CreateAccountRequest struct {
	Name     string `json:"name" binding:"required"`
	ServerID string `json:"server_id" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateAccount registers a credential bound to a server.
func (h *Handlers) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if _, err := h.st.GetServerByID(req.ServerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown server_id"})
			return
		}
		h.logger.Error("failed to check server", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	account := &store.Account{
		Name:     req.Name,
		ServerID: req.ServerID,
		Username: req.Username,
		Password: req.Password,
	}
	if err := h.st.CreateAccount(account); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Account name already exists"})
			return
		}
		h.logger.Error("failed to create account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// ListAccounts returns all registered accounts. Passwords are never included.
func (h *Handlers) ListAccounts(c *gin.Context) {
	accounts, err := h.st.ListAccounts()
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

// GetAccount returns one account by ID.
func (h *Handlers) GetAccount(c *gin.Context) {
	account, err := h.st.GetAccountByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		h.logger.Error("failed to get account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get account"})
		return
	}
	c.JSON(http.StatusOK, account)
}

// CreateJobRequest is the request body for creating a migration job.
// Selection arrays distinguish absent (migrate all) from empty (migrate
// none), so pointers to slices are used for binding.
type CreateJobRequest struct {
	Name                 string `json:"name" binding:"required"`
	SourceAccountID      string `json:"source_account_id" binding:"required"`
	DestinationAccountID string `json:"destination_account_id" binding:"required"`

	MigrateCalendars  *bool `json:"migrate_calendars"`
	MigrateContacts   *bool `json:"migrate_contacts"`
	CreateCollections *bool `json:"create_collections"`
	DryRun            bool  `json:"dry_run"`
	SkipDummyEvents   bool  `json:"skip_dummy_events"`

	SelectedCalendars    *[]string         `json:"selected_calendars"`
	SelectedAddressBooks *[]string         `json:"selected_addressbooks"`
	CalendarMapping      map[string]string `json:"calendar_mapping"`
	AddressBookMapping   map[string]string `json:"addressbook_mapping"`
}

// CreateJob creates a migration job in pending state.
func (h *Handlers) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.SourceAccountID == req.DestinationAccountID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source and destination accounts must differ"})
		return
	}
	for _, id := range []string{req.SourceAccountID, req.DestinationAccountID} {
		if _, err := h.st.GetAccountByID(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown account: " + id})
				return
			}
			h.logger.Error("failed to check account", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
	}

	job := &store.Job{
		Name:                 req.Name,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		MigrateCalendars:     boolOrDefault(req.MigrateCalendars, true),
		MigrateContacts:      boolOrDefault(req.MigrateContacts, true),
		CreateCollections:    boolOrDefault(req.CreateCollections, true),
		DryRun:               req.DryRun,
		SkipDummyEvents:      req.SkipDummyEvents,
		CalendarMapping:      req.CalendarMapping,
		AddressBookMapping:   req.AddressBookMapping,
	}
	if req.SelectedCalendars != nil {
		job.SelectedCalendars = *req.SelectedCalendars
		if job.SelectedCalendars == nil {
			job.SelectedCalendars = []string{}
		}
	}
	if req.SelectedAddressBooks != nil {
		job.SelectedAddressBooks = *req.SelectedAddressBooks
		if job.SelectedAddressBooks == nil {
			job.SelectedAddressBooks = []string{}
		}
	}

	if err := h.st.CreateJob(job); err != nil {
		h.logger.Error("failed to create job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}
	c.JSON(http.StatusCreated, jobToAPI(job))
}

// ListJobs returns all jobs, newest first.
func (h *Handlers) ListJobs(c *gin.Context) {
	jobs, err := h.st.ListJobs()
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = jobToAPI(&jobs[i])
	}
	c.JSON(http.StatusOK, out)
}

// GetJob returns one job including its stats snapshot.
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.st.GetJobByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("failed to get job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}
	c.JSON(http.StatusOK, jobToAPI(job))
}

// DeleteJob removes a job and its logs. Running jobs cannot be deleted.
func (h *Handlers) DeleteJob(c *gin.Context) {
	job, err := h.st.GetJobByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("failed to get job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}
	if job.Status == store.StatusRunning || job.Status == store.StatusQueued {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is queued or running"})
		return
	}
	if err := h.st.DeleteJob(job.ID); err != nil {
		h.logger.Error("failed to delete job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

// StartJobRequest carries per-run overrides. The stored job configuration is
// never modified by a run.
type StartJobRequest struct {
	CalendarsOnly bool `json:"calendars_only"`
	ContactsOnly  bool `json:"contacts_only"`
}

// StartJob enqueues a job for execution.
func (h *Handlers) StartJob(c *gin.Context) {
	// Bind unconditionally so chunked requests (unknown ContentLength) still
	// carry their overrides; an empty body just means no overrides.
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.CalendarsOnly && req.ContactsOnly {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendars_only and contacts_only are mutually exclusive"})
		return
	}

	err := h.worker.Enqueue(c.Param("id"), worker.RunOverrides{
		CalendarsOnly: req.CalendarsOnly,
		ContactsOnly:  req.ContactsOnly,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"message": "Job queued"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, worker.ErrNotQueueable):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is already queued or running"})
	case errors.Is(err, worker.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job queue is full"})
	default:
		h.logger.Error("failed to enqueue job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start job"})
	}
}

// CancelJob requests cancellation of a queued or running job.
func (h *Handlers) CancelJob(c *gin.Context) {
	err := h.worker.Cancel(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, worker.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not queued or running"})
	default:
		h.logger.Error("failed to cancel job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
	}
}

// GetJobLogs returns a job's log stream in append order.
func (h *Handlers) GetJobLogs(c *gin.Context) {
	if _, err := h.st.GetJobByID(c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("failed to get job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job logs"})
		return
	}
	logs, err := h.st.ListJobLogs(c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list job logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job logs"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// WorkerStatus reports the queue state.
func (h *Handlers) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.Status())
}

// PauseWorker stops the worker from dequeuing further jobs.
func (h *Handlers) PauseWorker(c *gin.Context) {
	h.worker.Pause()
	c.JSON(http.StatusOK, h.worker.Status())
}

// ResumeWorker lets the worker dequeue again.
func (h *Handlers) ResumeWorker(c *gin.Context) {
	h.worker.Resume()
	c.JSON(http.StatusOK, h.worker.Status())
}

// jobResponse is a job with its stats snapshot decoded.
type jobResponse struct {
	*store.Job
	Stats map[string]any `json:"stats"`
}

func jobToAPI(job *store.Job) jobResponse {
	return jobResponse{Job: job, Stats: job.StatsMap()}
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
