package worker

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/cascadeops/davmigrate/internal/migration"
	"github.com/cascadeops/davmigrate/internal/store"
)

// Global progress bands for one job run. Connecting the two sessions covers
// 0-20, the calendar phase 20-60, the contact phase 60-90, and finalization
// the rest.
const (
	progressSourceConnected = 10
	progressDestConnected   = 20
	progressCalendarsDone   = 60
	progressContactsDone    = 90
	progressComplete        = 100

	calendarsBase = 20
	calendarsSpan = 40
	contactsBase  = 60
	contactsSpan  = 30
)

// progressTracker maps per-phase item progress onto the job's global
// percentage and throttles the per-item log stream. Writes are monotonic so
// an out-of-order report can never move the bar backwards.
type progressTracker struct {
	st     *store.Store
	logger *log.Logger
	jobID  string
	last   int
}

func newProgressTracker(st *store.Store, logger *log.Logger, jobID string) *progressTracker {
	return &progressTracker{st: st, logger: logger, jobID: jobID}
}

// commit persists a global percentage if it advances the job.
func (t *progressTracker) commit(pct int) {
	if pct <= t.last {
		return
	}
	if pct > progressComplete {
		pct = progressComplete
	}
	t.last = pct
	if err := t.st.UpdateJobProgress(t.jobID, pct); err != nil {
		t.logger.Warn("failed to persist progress", "job_id", t.jobID, "error", err)
	}
}

// observe handles one engine progress report.
func (t *progressTracker) observe(p migration.Progress) {
	base, span := calendarsBase, calendarsSpan
	noun := "events"
	if p.Stage == migration.StageContacts {
		base, span = contactsBase, contactsSpan
		noun = "contacts"
	}

	pct := base + span
	if p.Total > 0 {
		pct = base + span*p.Processed/p.Total
	}
	t.commit(pct)

	if shouldLogItem(p.Processed, p.Total) {
		msg := fmt.Sprintf("processed %d/%d %s", p.Processed, p.Total, noun)
		if err := t.st.AppendJobLog(t.jobID, "info", msg); err != nil {
			t.logger.Warn("failed to append job log", "job_id", t.jobID, "error", err)
		}
	}
}

// shouldLogItem throttles item logs: every item for small collections, about
// every tenth item for large ones, and always the last.
func shouldLogItem(processed, total int) bool {
	if total <= 20 {
		return true
	}
	if processed == total {
		return true
	}
	step := total / 10
	if step < 1 {
		step = 1
	}
	return processed%step == 0
}
