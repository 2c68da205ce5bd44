package main

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/cascadeops/davmigrate/internal/dav"
	"github.com/cascadeops/davmigrate/internal/migration"
)

var ErrInvalidPlan = errors.New("invalid migration plan")

// Plan is the TOML description of a one-shot migration.
type Plan struct {
	Source      PlanEndpoint  `toml:"source"`
	Destination PlanEndpoint  `toml:"destination"`
	Migration   PlanMigration `toml:"migration"`
}

// PlanEndpoint describes one server and its credentials.
type PlanEndpoint struct {
	URL           string `toml:"url"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	PrincipalPath string `toml:"principal_path"`
	ServerType    string `toml:"server_type"`
	VerifySSL     *bool  `toml:"verify_ssl"`
}

// PlanMigration carries the migration flags. Selection arrays distinguish
// absent (migrate all) from empty (migrate none).
type PlanMigration struct {
	MigrateCalendars  *bool `toml:"migrate_calendars"`
	MigrateContacts   *bool `toml:"migrate_contacts"`
	CreateCollections *bool `toml:"create_collections"`
	DryRun            bool  `toml:"dry_run"`
	SkipDummyEvents   bool  `toml:"skip_dummy_events"`

	SelectedCalendars    []string          `toml:"selected_calendars"`
	SelectedAddressBooks []string          `toml:"selected_addressbooks"`
	CalendarMapping      map[string]string `toml:"calendar_mapping"`
	AddressBookMapping   map[string]string `toml:"addressbook_mapping"`
}

// LoadPlan parses and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	plan := &Plan{}
	if _, err := toml.DecodeFile(path, plan); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	for name, ep := range map[string]PlanEndpoint{"source": plan.Source, "destination": plan.Destination} {
		if ep.URL == "" {
			return nil, fmt.Errorf("%w: %s.url is required", ErrInvalidPlan, name)
		}
		if ep.Username == "" {
			return nil, fmt.Errorf("%w: %s.username is required", ErrInvalidPlan, name)
		}
	}
	return plan, nil
}

// endpoint converts a plan endpoint to the protocol types.
func (p PlanEndpoint) endpoint() (dav.Endpoint, dav.Credential) {
	verify := true
	if p.VerifySSL != nil {
		verify = *p.VerifySSL
	}
	return dav.Endpoint{
			BaseURL:       p.URL,
			PrincipalPath: p.PrincipalPath,
			ServerType:    dav.ServerType(p.ServerType),
			VerifySSL:     verify,
		}, dav.Credential{
			Username: p.Username,
			Password: p.Password,
		}
}

// options converts the plan flags to engine options.
func (p PlanMigration) options() migration.Options {
	return migration.Options{
		DryRun:               p.DryRun,
		SkipDummyEvents:      p.SkipDummyEvents,
		CreateCollections:    boolOrDefault(p.CreateCollections, true),
		SelectedCalendars:    p.SelectedCalendars,
		SelectedAddressBooks: p.SelectedAddressBooks,
		CalendarMapping:      p.CalendarMapping,
		AddressBookMapping:   p.AddressBookMapping,
	}
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
