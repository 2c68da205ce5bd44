package migration

// Stats accumulates per-kind counters over one migration run. Field names
// match the fixed keys of the observer interface.
type Stats struct {
	CalendarsMigrated    int `json:"calendars_migrated"`
	CalendarsFailed      int `json:"calendars_failed"`
	EventsMigrated       int `json:"events_migrated"`
	EventsFailed         int `json:"events_failed"`
	EventsSkipped        int `json:"events_skipped"`
	AddressBooksMigrated int `json:"addressbooks_migrated"`
	AddressBooksFailed   int `json:"addressbooks_failed"`
	ContactsMigrated     int `json:"contacts_migrated"`
	ContactsFailed       int `json:"contacts_failed"`
	ContactsSkipped      int `json:"contacts_skipped"`

	// Only populated on dry runs.
	DryRunDetails *DryRunDetails `json:"dry_run_details,omitempty"`
}

// DryRunDetails lists what a dry run found, per collection.
type DryRunDetails struct {
	Calendars    []CollectionDetail `json:"calendars"`
	AddressBooks []CollectionDetail `json:"addressbooks"`
}

// CollectionDetail describes one collection seen during a dry run.
type CollectionDetail struct {
	Name          string `json:"name"`
	ItemCount     int    `json:"item_count"`
	FilteredCount int    `json:"filtered_count"`
	URL           string `json:"url"`
}
