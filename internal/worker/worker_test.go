package worker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cascadeops/davmigrate/internal/dav"
	"github.com/cascadeops/davmigrate/internal/migration"
	"github.com/cascadeops/davmigrate/internal/store"
)

// fakeSession is an in-memory migration.Session for worker tests.
type fakeSession struct {
	mu    sync.Mutex
	cols  map[dav.Kind][]dav.Collection
	items map[string][]dav.Item
	puts  []dav.Item
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		cols:  map[dav.Kind][]dav.Collection{},
		items: map[string][]dav.Item{},
	}
}

func (f *fakeSession) addCollection(kind dav.Kind, name string, items ...dav.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col := dav.Collection{Kind: kind, Name: name, Path: "/" + string(kind) + "/" + name + "/"}
	f.cols[kind] = append(f.cols[kind], col)
	f.items[col.Path] = items
}

func (f *fakeSession) Collections(ctx context.Context, kind dav.Kind) ([]dav.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols[kind], nil
}

func (f *fakeSession) FindCollectionByName(ctx context.Context, kind dav.Kind, name string) (*dav.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cols[kind] {
		if f.cols[kind][i].Name == name {
			return &f.cols[kind][i], nil
		}
	}
	return nil, nil
}

func (f *fakeSession) CreateCollection(ctx context.Context, kind dav.Kind, name string) (*dav.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col := dav.Collection{Kind: kind, Name: name, Path: "/" + string(kind) + "/" + name + "/"}
	f.cols[kind] = append(f.cols[kind], col)
	return &col, nil
}

func (f *fakeSession) Items(ctx context.Context, col dav.Collection) ([]dav.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[col.Path], nil
}

func (f *fakeSession) PutItem(ctx context.Context, col dav.Collection, item dav.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, item)
	f.items[col.Path] = append(f.items[col.Path], item)
	return nil
}

func (f *fakeSession) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func event(uid, summary string) dav.Item {
	return dav.Item{Kind: dav.ItemEvent, UID: uid, Summary: summary, Data: "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"}
}

func contact(uid, name string) dav.Item {
	return dav.Item{Kind: dav.ItemContact, UID: uid, Summary: name, Data: "BEGIN:VCARD\r\nEND:VCARD\r\n"}
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedJob creates a server, two accounts and one job.
func seedJob(t *testing.T, st *store.Store, name string) *store.Job {
	t.Helper()

	server := &store.Server{Name: name + "-server", URL: "https://dav.example.com", VerifySSL: true}
	if err := st.CreateServer(server); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	src := &store.Account{Name: name + "-src", ServerID: server.ID, Username: name + "-src-user", Password: "x"}
	if err := st.CreateAccount(src); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	dst := &store.Account{Name: name + "-dst", ServerID: server.ID, Username: name + "-dst-user", Password: "x"}
	if err := st.CreateAccount(dst); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	job := &store.Job{
		Name:                 name,
		SourceAccountID:      src.ID,
		DestinationAccountID: dst.ID,
		MigrateCalendars:     true,
		MigrateContacts:      true,
		CreateCollections:    true,
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// dialPair returns a DialFunc handing out the source session for usernames
// containing "src" and the destination session otherwise.
func dialPair(source, dest migration.Session) DialFunc {
	return func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		if strings.Contains(cred.Username, "src") {
			return source, nil
		}
		return dest, nil
	}
}

func waitForTerminal(t *testing.T, st *store.Store, jobID string) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJobByID(jobID)
		if err != nil {
			t.Fatalf("GetJobByID: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := st.GetJobByID(jobID)
	t.Fatalf("job never reached a terminal state, status=%s", job.Status)
	return nil
}

func TestWorkerCompletesJob(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "happy")

	source := newFakeSession()
	source.addCollection(dav.KindCalendar, "Work", event("e1", "Standup"), event("e2", "Review"))
	source.addCollection(dav.KindAddressBook, "Contacts", contact("c1", "Ada"))
	dest := newFakeSession()
	dest.addCollection(dav.KindCalendar, "Work")
	dest.addCollection(dav.KindAddressBook, "Contacts")

	w := New(st, testLogger(), WithDialFunc(dialPair(source, dest)))
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, error = %v", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d", got.Progress)
	}
	if dest.putCount() != 3 {
		t.Errorf("destination received %d writes, expected 3", dest.putCount())
	}

	stats := got.StatsMap()
	if stats["events_migrated"].(float64) != 2 {
		t.Errorf("events_migrated = %v", stats["events_migrated"])
	}
	if stats["contacts_migrated"].(float64) != 1 {
		t.Errorf("contacts_migrated = %v", stats["contacts_migrated"])
	}

	logs, err := st.ListJobLogs(job.ID)
	if err != nil {
		t.Fatalf("ListJobLogs: %v", err)
	}
	var sawStart, sawDone bool
	for _, entry := range logs {
		if entry.Message == "migration started" {
			sawStart = true
		}
		if entry.Message == "migration completed" {
			sawDone = true
		}
	}
	if !sawStart || !sawDone {
		t.Errorf("log stream missing lifecycle entries: start=%v done=%v", sawStart, sawDone)
	}
}

func TestWorkerFailsOnSourceConnectError(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "badsource")

	dial := func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		if strings.Contains(cred.Username, "src") {
			return nil, fmt.Errorf("%w: status 401 for user alice", dav.ErrAuthFailed)
		}
		return newFakeSession(), nil
	}

	w := New(st, testLogger(), WithDialFunc(dial))
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "failed to connect to source server") {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
}

func TestWorkerRunsJobsInOrder(t *testing.T) {
	st := setupTestStore(t)
	first := seedJob(t, st, "first")
	second := seedJob(t, st, "second")

	var mu sync.Mutex
	var order []string
	dial := func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		mu.Lock()
		order = append(order, cred.Username)
		mu.Unlock()
		return newFakeSession(), nil
	}

	w := New(st, testLogger(), WithDialFunc(dial))
	if err := w.Enqueue(first.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Enqueue(second.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w.Start()
	defer w.Stop()

	waitForTerminal(t, st, first.ID)
	waitForTerminal(t, st, second.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("expected 4 dials, got %d: %v", len(order), order)
	}
	if !strings.HasPrefix(order[0], "first-") || !strings.HasPrefix(order[2], "second-") {
		t.Errorf("jobs ran out of order: %v", order)
	}
}

func TestEnqueueRejectsQueuedJob(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "dup")

	w := New(st, testLogger(), WithDialFunc(dialPair(newFakeSession(), newFakeSession())))
	// Worker deliberately not started; the job stays queued.
	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Enqueue(job.ID, RunOverrides{}); err == nil {
		t.Fatal("expected second enqueue to fail")
	}
}

func TestEnqueueConcurrentSameJob(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "race")

	w := New(st, testLogger(), WithDialFunc(dialPair(newFakeSession(), newFakeSession())))
	// Worker deliberately not started; the first enqueue leaves the job queued.

	const attempts = 8
	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Enqueue(job.ID, RunOverrides{}); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted %d concurrent enqueues of the same job, expected 1", n)
	}
	if got := w.Status().QueueLength; got != 1 {
		t.Errorf("queue length = %d, expected 1", got)
	}
}

func TestCancelQueuedJobIsSkipped(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "cancelq")

	var dials atomic.Int32
	dial := func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		dials.Add(1)
		return newFakeSession(), nil
	}

	w := New(st, testLogger(), WithDialFunc(dial))
	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := st.GetJobByID(job.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("status = %q", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != cancelledMessage {
		t.Errorf("error message = %v", got.ErrorMessage)
	}

	w.Start()
	defer w.Stop()
	time.Sleep(500 * time.Millisecond)
	if n := dials.Load(); n != 0 {
		t.Errorf("cancelled job was dialed %d times", n)
	}
}

func TestCancelRunningJobStopsAtPhaseBoundary(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "cancelrun")

	source := newFakeSession()
	source.addCollection(dav.KindCalendar, "Work", event("e1", "Standup"))
	source.addCollection(dav.KindAddressBook, "Contacts", contact("c1", "Ada"))
	dest := newFakeSession()
	dest.addCollection(dav.KindCalendar, "Work")
	dest.addCollection(dav.KindAddressBook, "Contacts")

	w := New(st, testLogger())
	// The destination dial fires after the job is current, so requesting
	// cancellation here lands before the first phase boundary check.
	w.dial = func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		if strings.Contains(cred.Username, "src") {
			return source, nil
		}
		if err := w.Cancel(job.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return dest, nil
	}
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A cancelled run ends failed, carrying the cancellation message.
	got := waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != cancelledMessage {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
	if dest.putCount() != 0 {
		t.Errorf("cancelled job wrote %d items", dest.putCount())
	}

	stats := got.StatsMap()
	if stats["events_migrated"].(float64) != 0 || stats["contacts_migrated"].(float64) != 0 {
		t.Errorf("cancelled job accumulated stats: %v", stats)
	}
}

// cancelOnFirstPut requests cancellation from inside the first destination
// write, so the flag is raised while the calendars phase is in flight.
type cancelOnFirstPut struct {
	*fakeSession
	once   sync.Once
	cancel func()
}

func (c *cancelOnFirstPut) PutItem(ctx context.Context, col dav.Collection, item dav.Item) error {
	c.once.Do(c.cancel)
	return c.fakeSession.PutItem(ctx, col, item)
}

func TestCancelDuringCalendarsEndsFailed(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "cancelmid")

	source := newFakeSession()
	source.addCollection(dav.KindCalendar, "Work", event("e1", "Standup"), event("e2", "Review"))
	source.addCollection(dav.KindAddressBook, "Contacts", contact("c1", "Ada"))
	inner := newFakeSession()
	inner.addCollection(dav.KindCalendar, "Work")
	inner.addCollection(dav.KindAddressBook, "Contacts")

	w := New(st, testLogger())
	dest := &cancelOnFirstPut{fakeSession: inner, cancel: func() {
		if err := w.Cancel(job.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}}
	w.dial = func(ctx context.Context, endpoint dav.Endpoint, cred dav.Credential, logger *log.Logger) (migration.Session, error) {
		if strings.Contains(cred.Username, "src") {
			return source, nil
		}
		return dest, nil
	}
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != cancelledMessage {
		t.Errorf("error message = %v", got.ErrorMessage)
	}

	// The in-flight calendars phase ran to completion; contacts never started.
	if inner.putCount() != 2 {
		t.Errorf("destination received %d writes, expected 2", inner.putCount())
	}
	stats := got.StatsMap()
	if stats["events_migrated"].(float64) != 2 {
		t.Errorf("events_migrated = %v", stats["events_migrated"])
	}
	if stats["contacts_migrated"].(float64) != 0 {
		t.Errorf("contacts_migrated = %v", stats["contacts_migrated"])
	}
}

func TestPauseGatesDequeueOnly(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "paused")

	source := newFakeSession()
	dest := newFakeSession()

	w := New(st, testLogger(), WithDialFunc(dialPair(source, dest)))
	w.Pause()
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	got, _ := st.GetJobByID(job.ID)
	if got.Status != store.StatusQueued {
		t.Fatalf("paused worker ran the job, status = %q", got.Status)
	}
	if !w.Status().Paused {
		t.Error("status does not report paused")
	}

	w.Resume()
	got = waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status after resume = %q", got.Status)
	}
}

func TestRunOverridesNarrowOneRun(t *testing.T) {
	st := setupTestStore(t)
	job := seedJob(t, st, "override")

	source := newFakeSession()
	source.addCollection(dav.KindCalendar, "Work", event("e1", "Standup"))
	source.addCollection(dav.KindAddressBook, "Contacts", contact("c1", "Ada"))
	dest := newFakeSession()
	dest.addCollection(dav.KindCalendar, "Work")
	dest.addCollection(dav.KindAddressBook, "Contacts")

	w := New(st, testLogger(), WithDialFunc(dialPair(source, dest)))
	w.Start()
	defer w.Stop()

	if err := w.Enqueue(job.ID, RunOverrides{CalendarsOnly: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForTerminal(t, st, job.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}

	stats := got.StatsMap()
	if stats["events_migrated"].(float64) != 1 {
		t.Errorf("events_migrated = %v", stats["events_migrated"])
	}
	if stats["contacts_migrated"].(float64) != 0 {
		t.Errorf("contacts_migrated = %v, expected 0 with calendars_only", stats["contacts_migrated"])
	}

	// The stored job configuration is untouched by the override.
	if !got.MigrateContacts {
		t.Error("override mutated the stored job flags")
	}
}
