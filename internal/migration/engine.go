// Package migration copies calendar and contact data between two DAV
// sessions with selection, name mapping, UID deduplication and a dry-run
// mode that never writes to the destination.
package migration

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/cascadeops/davmigrate/internal/dav"
)

// Session is the protocol surface the engine needs from a server connection.
// *dav.Session implements it; tests substitute fakes.
type Session interface {
	Collections(ctx context.Context, kind dav.Kind) ([]dav.Collection, error)
	FindCollectionByName(ctx context.Context, kind dav.Kind, name string) (*dav.Collection, error)
	CreateCollection(ctx context.Context, kind dav.Kind, name string) (*dav.Collection, error)
	Items(ctx context.Context, col dav.Collection) ([]dav.Item, error)
	PutItem(ctx context.Context, col dav.Collection, item dav.Item) error
}

// Stage identifies the migration phase a progress report belongs to.
type Stage string

const (
	StageCalendars Stage = "calendars"
	StageContacts  Stage = "contacts"
)

// Progress is the payload passed to the progress callback after every item
// outcome.
type Progress struct {
	Stage     Stage `json:"stage"`
	Processed int   `json:"processed"`
	Total     int   `json:"total"`
	Skipped   int   `json:"skipped"`
}

// ProgressFunc receives progress reports. Panics are swallowed and never
// affect the migration outcome.
type ProgressFunc func(Progress)

// Options carry the per-run migration flags. Selection sets distinguish
// nil (all collections) from empty (sync nothing). Mappings default to
// identity for names they do not contain.
type Options struct {
	DryRun               bool
	SkipDummyEvents      bool
	CreateCollections    bool
	SelectedCalendars    []string
	SelectedAddressBooks []string
	CalendarMapping      map[string]string
	AddressBookMapping   map[string]string
}

// Engine copies selected collections from a source session to a destination
// session. It is single-use: construct one per run.
type Engine struct {
	source     Session
	dest       Session
	opts       Options
	onProgress ProgressFunc
	logger     *log.Logger

	stats   Stats
	details DryRunDetails
}

// New creates a migration engine for one run.
func New(source, dest Session, opts Options, onProgress ProgressFunc, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		source:     source,
		dest:       dest,
		opts:       opts,
		onProgress: onProgress,
		logger:     logger,
	}
}

// MigrateCalendars migrates all selected calendars and their events.
func (e *Engine) MigrateCalendars(ctx context.Context) error {
	return e.migrateKind(ctx, dav.KindCalendar)
}

// MigrateContacts migrates all selected addressbooks and their contacts.
func (e *Engine) MigrateContacts(ctx context.Context) error {
	return e.migrateKind(ctx, dav.KindAddressBook)
}

// Stats returns the accumulated counters. Dry-run details are attached only
// when the run was a dry run.
func (e *Engine) Stats() Stats {
	stats := e.stats
	if e.opts.DryRun {
		details := e.details
		stats.DryRunDetails = &details
	}
	return stats
}

// counters indexes the per-kind fields of the stats block.
type counters struct {
	collectionsMigrated *int
	collectionsFailed   *int
	itemsMigrated       *int
	itemsFailed         *int
	itemsSkipped        *int
}

func (e *Engine) countersFor(kind dav.Kind) counters {
	if kind == dav.KindCalendar {
		return counters{
			collectionsMigrated: &e.stats.CalendarsMigrated,
			collectionsFailed:   &e.stats.CalendarsFailed,
			itemsMigrated:       &e.stats.EventsMigrated,
			itemsFailed:         &e.stats.EventsFailed,
			itemsSkipped:        &e.stats.EventsSkipped,
		}
	}
	return counters{
		collectionsMigrated: &e.stats.AddressBooksMigrated,
		collectionsFailed:   &e.stats.AddressBooksFailed,
		itemsMigrated:       &e.stats.ContactsMigrated,
		itemsFailed:         &e.stats.ContactsFailed,
		itemsSkipped:        &e.stats.ContactsSkipped,
	}
}

func (e *Engine) selectionFor(kind dav.Kind) []string {
	if kind == dav.KindCalendar {
		return e.opts.SelectedCalendars
	}
	return e.opts.SelectedAddressBooks
}

func (e *Engine) mappingFor(kind dav.Kind) map[string]string {
	if kind == dav.KindCalendar {
		return e.opts.CalendarMapping
	}
	return e.opts.AddressBookMapping
}

func stageFor(kind dav.Kind) Stage {
	if kind == dav.KindCalendar {
		return StageCalendars
	}
	return StageContacts
}

// migrateKind runs the per-kind algorithm: enumerate, select, resolve the
// destination, dedup, copy. A failure on one collection or item never aborts
// the phase.
func (e *Engine) migrateKind(ctx context.Context, kind dav.Kind) error {
	selected := e.selectionFor(kind)
	if selected != nil && len(selected) == 0 {
		e.logger.Info("selection is empty, skipping phase", "kind", kind)
		return nil
	}

	e.logger.Info("starting migration phase", "kind", kind, "dry_run", e.opts.DryRun)

	cols, err := e.source.Collections(ctx, kind)
	if err != nil {
		e.logger.Error("failed to enumerate source collections", "kind", kind, "error", err)
		return nil
	}
	if len(cols) == 0 {
		e.logger.Warn("no collections found on source server", "kind", kind)
		return nil
	}

	for _, col := range cols {
		if selected != nil && !containsName(selected, col.Name) {
			e.logger.Debug("collection not selected, skipping", "kind", kind, "name", col.Name)
			continue
		}
		e.migrateCollection(ctx, kind, col)
	}

	e.logPhaseSummary(kind)
	return nil
}

// migrateCollection resolves the destination collection by mapped name and
// copies the source items into it.
func (e *Engine) migrateCollection(ctx context.Context, kind dav.Kind, col dav.Collection) {
	cnt := e.countersFor(kind)

	destName := col.Name
	if mapped, ok := e.mappingFor(kind)[col.Name]; ok {
		destName = mapped
	}
	e.logger.Info("processing collection", "kind", kind, "name", col.Name, "destination", destName)

	destCol, err := e.dest.FindCollectionByName(ctx, kind, destName)
	if err != nil {
		e.logger.Error("destination lookup failed", "name", destName, "error", err)
		*cnt.collectionsFailed++
		return
	}

	if destCol == nil {
		if !e.opts.CreateCollections {
			e.logger.Warn("collection not found on destination, skipping", "name", destName)
			*cnt.collectionsFailed++
			return
		}
		if e.opts.DryRun {
			e.recordDryRun(ctx, kind, col)
			return
		}
		e.logger.Info("creating collection on destination", "kind", kind, "name", destName)
		destCol, err = e.dest.CreateCollection(ctx, kind, destName)
		if err != nil || destCol == nil {
			e.logger.Error("failed to create collection", "name", destName, "error", err)
			*cnt.collectionsFailed++
			return
		}
	}

	if e.opts.DryRun {
		e.recordDryRun(ctx, kind, col)
		return
	}

	e.copyItems(ctx, kind, col, *destCol)
	*cnt.collectionsMigrated++
}

// recordDryRun counts the source items without touching the destination and
// stores a per-collection detail entry.
func (e *Engine) recordDryRun(ctx context.Context, kind dav.Kind, col dav.Collection) {
	cnt := e.countersFor(kind)

	items, err := e.source.Items(ctx, col)
	if err != nil {
		e.logger.Warn("could not count items", "collection", col.Name, "error", err)
	}

	filtered := 0
	if kind == dav.KindCalendar && e.opts.SkipDummyEvents {
		for _, item := range items {
			if isDummySummary(item.Summary) {
				filtered++
			}
		}
	}

	detail := CollectionDetail{
		Name:          col.Name,
		ItemCount:     len(items),
		FilteredCount: filtered,
		URL:           col.URL,
	}
	if kind == dav.KindCalendar {
		e.details.Calendars = append(e.details.Calendars, detail)
	} else {
		e.details.AddressBooks = append(e.details.AddressBooks, detail)
	}
	*cnt.collectionsMigrated++

	e.logger.Info("[dry run] counted collection", "kind", kind, "name", col.Name,
		"items", detail.ItemCount, "filtered", detail.FilteredCount)
}

// copyItems builds the destination dedup set, then copies each source item.
// Every item outcome increments exactly one counter and triggers a progress
// report.
func (e *Engine) copyItems(ctx context.Context, kind dav.Kind, src, dst dav.Collection) {
	cnt := e.countersFor(kind)
	stage := stageFor(kind)

	items, err := e.source.Items(ctx, src)
	if err != nil {
		e.logger.Error("failed to retrieve source items", "collection", src.Name, "error", err)
		return
	}
	total := len(items)
	e.logger.Info("found items", "collection", src.Name, "count", total)

	existing := e.destinationUIDs(ctx, dst)

	processed := 0
	for _, item := range items {
		switch {
		case kind == dav.KindCalendar && e.opts.SkipDummyEvents && isDummySummary(item.Summary):
			e.logger.Debug("skipping dummy event", "collection", src.Name, "uid", item.UID)
			*cnt.itemsSkipped++
		case item.UID != "" && existing[item.UID]:
			e.logger.Debug("skipping duplicate item", "collection", src.Name, "uid", item.UID)
			*cnt.itemsSkipped++
		default:
			if err := e.dest.PutItem(ctx, dst, item); err != nil {
				e.logger.Warn("failed to migrate item", "collection", src.Name, "uid", item.UID, "error", err)
				*cnt.itemsFailed++
			} else {
				*cnt.itemsMigrated++
			}
		}
		processed++
		e.reportProgress(stage, processed, total, *cnt.itemsSkipped)
	}

	e.logger.Info("migrated collection", "collection", dst.Name,
		"migrated", *cnt.itemsMigrated, "skipped", *cnt.itemsSkipped, "failed", *cnt.itemsFailed)
}

// destinationUIDs collects the UIDs present in the destination collection.
// Items without an extractable UID never cause a duplicate match. A lookup
// failure yields an empty set so the copy proceeds.
func (e *Engine) destinationUIDs(ctx context.Context, dst dav.Collection) map[string]bool {
	existing := make(map[string]bool)
	items, err := e.dest.Items(ctx, dst)
	if err != nil {
		e.logger.Debug("could not retrieve destination items", "collection", dst.Name, "error", err)
		return existing
	}
	for _, item := range items {
		if item.UID != "" {
			existing[item.UID] = true
		}
	}
	e.logger.Debug("destination dedup set built", "collection", dst.Name, "uids", len(existing))
	return existing
}

// reportProgress invokes the callback, swallowing panics.
func (e *Engine) reportProgress(stage Stage, processed, total, skipped int) {
	if e.onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("progress callback panicked", "panic", r)
		}
	}()
	e.onProgress(Progress{Stage: stage, Processed: processed, Total: total, Skipped: skipped})
}

func (e *Engine) logPhaseSummary(kind dav.Kind) {
	cnt := e.countersFor(kind)
	e.logger.Info("migration phase summary", "kind", kind,
		"collections_migrated", *cnt.collectionsMigrated,
		"collections_failed", *cnt.collectionsFailed,
		"items_migrated", *cnt.itemsMigrated,
		"items_failed", *cnt.itemsFailed,
		"items_skipped", *cnt.itemsSkipped)
}

// isDummySummary reports whether a summary, trimmed and case-folded, equals
// "dummy". "Dummy Plan" does not match.
func isDummySummary(summary string) bool {
	return strings.EqualFold(strings.TrimSpace(summary), "dummy")
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
