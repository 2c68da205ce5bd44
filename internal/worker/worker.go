// Package worker runs migration jobs from a FIFO queue on a single consumer
// goroutine. The queue can be paused and resumed; pausing gates dequeuing
// only, a job that is already running continues to completion.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cascadeops/davmigrate/internal/dav"
	"github.com/cascadeops/davmigrate/internal/migration"
	"github.com/cascadeops/davmigrate/internal/store"
)

var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrNotQueueable   = errors.New("job is not in a queueable state")
	ErrNotCancellable = errors.New("job is not queued or running")
)

const (
	defaultQueueCapacity = 64
	defaultJobTimeout    = 30 * time.Minute
	idlePollInterval     = 250 * time.Millisecond

	cancelledMessage = "job cancelled by user"
)

// DialFunc opens a connected protocol session. Tests substitute fakes.
type DialFunc func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error)

// RunOverrides narrow one run of a job without mutating the stored job
// configuration. At most one of the two may be set.
type RunOverrides struct {
	CalendarsOnly bool `json:"calendars_only"`
	ContactsOnly  bool `json:"contacts_only"`
}

type queueEntry struct {
	jobID     string
	overrides RunOverrides
}

// Status is a snapshot of the worker state.
type Status struct {
	Paused       bool   `json:"paused"`
	QueueLength  int    `json:"queue_length"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithDialFunc replaces the session dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(w *Worker) { w.dial = dial }
}

// WithQueueCapacity sets the queue buffer size.
func WithQueueCapacity(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.capacity = n
		}
	}
}

// WithJobTimeout bounds the wall-clock time of a single job run.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.jobTimeout = d
		}
	}
}

// WithSessionTimeout sets the per-request timeout used by the default dialer.
func WithSessionTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.sessionTimeout = d
		}
	}
}

// Worker owns the job queue and the single consumer goroutine.
type Worker struct {
	st     *store.Store
	logger *log.Logger
	dial   DialFunc

	capacity       int
	jobTimeout     time.Duration
	sessionTimeout time.Duration

	queue         chan queueEntry
	paused        atomic.Bool
	cancelCurrent atomic.Bool

	mu      sync.Mutex
	current string
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker over the given store. Start must be called before
// enqueued jobs run.
func New(st *store.Store, logger *log.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		st:             st,
		logger:         logger.With("component", "worker"),
		capacity:       defaultQueueCapacity,
		jobTimeout:     defaultJobTimeout,
		sessionTimeout: 30 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.dial == nil {
		w.dial = w.dialSession
	}
	w.queue = make(chan queueEntry, w.capacity)
	return w
}

// Start launches the consumer goroutine. Calling Start twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	w.logger.Info("worker started", "queue_capacity", w.capacity)
}

// Stop shuts the worker down and waits for the current job to finish its
// cooperative cancellation.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Enqueue resets a job and appends it to the queue. Jobs that are already
// queued or running are rejected. The status check and the queued mark are
// serialized under the worker mutex so two concurrent starts of the same job
// cannot both pass the check.
func (w *Worker) Enqueue(jobID string, overrides RunOverrides) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	job, err := w.st.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if job.Status == store.StatusQueued || job.Status == store.StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotQueueable, job.Status)
	}

	if err := w.st.ResetJob(jobID); err != nil {
		return err
	}
	if err := w.st.MarkJobQueued(jobID); err != nil {
		return err
	}

	select {
	case w.queue <- queueEntry{jobID: jobID, overrides: overrides}:
		w.logger.Info("job queued", "job_id", jobID,
			"calendars_only", overrides.CalendarsOnly, "contacts_only", overrides.ContactsOnly)
		return nil
	default:
		if err := w.st.ResetJob(jobID); err != nil {
			w.logger.Warn("failed to reset job after full queue", "job_id", jobID, "error", err)
		}
		return ErrQueueFull
	}
}

// Pause stops the worker from dequeuing further jobs.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.logger.Info("queue paused")
}

// Resume lets the worker dequeue again.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.logger.Info("queue resumed")
}

// Cancel requests cancellation of a queued or running job. A running job
// stops at its next phase boundary and ends failed with the cancellation
// message; a queued job is marked cancelled and skipped when dequeued.
func (w *Worker) Cancel(jobID string) error {
	w.mu.Lock()
	isCurrent := w.current == jobID
	w.mu.Unlock()

	if isCurrent {
		w.cancelCurrent.Store(true)
		w.logger.Info("cancellation requested for running job", "job_id", jobID)
		return nil
	}

	job, err := w.st.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if job.Status != store.StatusQueued {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}
	msg := cancelledMessage
	if err := w.st.FinishJob(jobID, store.StatusCancelled, &msg); err != nil {
		return err
	}
	w.logger.Info("queued job cancelled", "job_id", jobID)
	return nil
}

// Status reports the worker state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()
	return Status{
		Paused:       w.paused.Load(),
		QueueLength:  len(w.queue),
		CurrentJobID: current,
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		if w.paused.Load() {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}
		select {
		case <-w.ctx.Done():
			return
		case entry := <-w.queue:
			w.processEntry(entry)
		case <-time.After(idlePollInterval):
		}
	}
}

func (w *Worker) processEntry(entry queueEntry) {
	// A job cancelled while sitting in the queue is already terminal.
	job, err := w.st.GetJobByID(entry.jobID)
	if err != nil {
		w.logger.Error("failed to load queued job", "job_id", entry.jobID, "error", err)
		return
	}
	if job.Status != store.StatusQueued {
		w.logger.Info("skipping dequeued job", "job_id", entry.jobID, "status", job.Status)
		return
	}

	w.mu.Lock()
	w.current = entry.jobID
	w.mu.Unlock()
	w.cancelCurrent.Store(false)

	ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
	w.processJob(ctx, job, entry.overrides)
	cancel()

	w.mu.Lock()
	w.current = ""
	w.mu.Unlock()
}

// processJob runs one migration end to end: connect both sessions, run the
// calendar and contact phases with cooperative cancel checks between them,
// persist the stats, then mark the job terminal.
func (w *Worker) processJob(ctx context.Context, job *store.Job, overrides RunOverrides) {
	logger := w.logger.With("job_id", job.ID, "job", job.Name)
	logger.Info("starting migration job", "dry_run", job.DryRun)

	if err := w.st.StartJob(job.ID); err != nil {
		logger.Error("failed to mark job running", "error", err)
		return
	}
	w.appendLog(job.ID, "info", "migration started")

	tracker := newProgressTracker(w.st, logger, job.ID)

	srcCfg, err := w.st.GetAccountConfig(job.SourceAccountID)
	if err != nil {
		w.fail(job.ID, logger, fmt.Errorf("source account: %w", err))
		return
	}
	dstCfg, err := w.st.GetAccountConfig(job.DestinationAccountID)
	if err != nil {
		w.fail(job.ID, logger, fmt.Errorf("destination account: %w", err))
		return
	}

	source, err := w.connect(ctx, srcCfg, logger.With("role", "source"))
	if err != nil {
		w.fail(job.ID, logger, fmt.Errorf("failed to connect to source server: %w", err))
		return
	}
	tracker.commit(progressSourceConnected)
	w.appendLog(job.ID, "info", "connected to source server")

	dest, err := w.connect(ctx, dstCfg, logger.With("role", "destination"))
	if err != nil {
		w.fail(job.ID, logger, fmt.Errorf("failed to connect to destination server: %w", err))
		return
	}
	tracker.commit(progressDestConnected)
	w.appendLog(job.ID, "info", "connected to destination server")

	engine := migration.New(source, dest, migration.Options{
		DryRun:               job.DryRun,
		SkipDummyEvents:      job.SkipDummyEvents,
		CreateCollections:    job.CreateCollections,
		SelectedCalendars:    job.SelectedCalendars,
		SelectedAddressBooks: job.SelectedAddressBooks,
		CalendarMapping:      job.CalendarMapping,
		AddressBookMapping:   job.AddressBookMapping,
	}, tracker.observe, logger)

	doCalendars := job.MigrateCalendars && !overrides.ContactsOnly
	doContacts := job.MigrateContacts && !overrides.CalendarsOnly

	if w.cancelled(job.ID, engine, logger) {
		return
	}
	if doCalendars {
		if err := engine.MigrateCalendars(ctx); err != nil {
			w.persistStats(job.ID, engine, logger)
			w.fail(job.ID, logger, fmt.Errorf("calendar migration failed: %w", err))
			return
		}
	}
	tracker.commit(progressCalendarsDone)

	if w.cancelled(job.ID, engine, logger) {
		return
	}
	if doContacts {
		if err := engine.MigrateContacts(ctx); err != nil {
			w.persistStats(job.ID, engine, logger)
			w.fail(job.ID, logger, fmt.Errorf("contact migration failed: %w", err))
			return
		}
	}
	tracker.commit(progressContactsDone)

	w.persistStats(job.ID, engine, logger)
	if err := w.st.CompleteJob(job.ID); err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return
	}
	w.appendLog(job.ID, "info", "migration completed")
	logger.Info("migration job completed")
}

// connect opens and connects a session for one account.
func (w *Worker) connect(ctx context.Context, cfg *store.AccountConfig, logger *log.Logger) (migration.Session, error) {
	endpoint := dav.Endpoint{
		BaseURL:       cfg.URL,
		PrincipalPath: cfg.PrincipalPath,
		ServerType:    dav.ServerType(cfg.ServerType),
		VerifySSL:     cfg.VerifySSL,
	}
	cred := dav.Credential{Username: cfg.Username, Password: cfg.Password}
	return w.dial(ctx, endpoint, cred, logger)
}

// dialSession is the production dialer.
func (w *Worker) dialSession(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
	session, err := dav.NewSession(endpoint, cred, logger, dav.WithTimeout(w.sessionTimeout))
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// cancelled checks the cooperative cancel flag at a phase boundary and, if
// set, persists the stats so far and fails the job with the cancellation
// message.
func (w *Worker) cancelled(jobID string, engine *migration.Engine, logger *log.Logger) bool {
	if !w.cancelCurrent.Load() {
		return false
	}
	w.persistStats(jobID, engine, logger)
	msg := cancelledMessage
	if err := w.st.FinishJob(jobID, store.StatusFailed, &msg); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
	w.appendLog(jobID, "warn", cancelledMessage)
	logger.Info("migration job cancelled")
	return true
}

func (w *Worker) fail(jobID string, logger *log.Logger, cause error) {
	msg := cause.Error()
	if err := w.st.FinishJob(jobID, store.StatusFailed, &msg); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
	w.appendLog(jobID, "error", msg)
	logger.Error("migration job failed", "error", cause)
}

func (w *Worker) persistStats(jobID string, engine *migration.Engine, logger *log.Logger) {
	stats := engine.Stats()
	data, err := json.Marshal(stats)
	if err != nil {
		logger.Error("failed to marshal stats", "error", err)
		return
	}
	if err := w.st.UpdateJobStats(jobID, string(data)); err != nil {
		logger.Error("failed to persist stats", "error", err)
	}
}

func (w *Worker) appendLog(jobID, level, message string) {
	if err := w.st.AppendJobLog(jobID, level, message); err != nil {
		w.logger.Warn("failed to append job log", "job_id", jobID, "error", err)
	}
}
