// Command davmigrate runs a one-shot migration from a TOML plan file,
// without the service or its database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/cascadeops/davmigrate/internal/dav"
	"github.com/cascadeops/davmigrate/internal/migration"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "davmigrate"})

	app := &cli.Command{
		Name:    "davmigrate",
		Usage:   "Migrate calendars and contacts between CalDAV/CardDAV servers",
		Version: "1.0.0",
		Commands: []*cli.Command{
			runCommand(logger),
			discoverCommand(logger),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}

func runCommand(logger *log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a migration described by a plan file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plan",
				Aliases: []string{"p"},
				Usage:   "Path to the TOML plan file",
				Value:   "plan.toml",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Count items without writing to the destination",
			},
			&cli.BoolFlag{
				Name:  "calendars-only",
				Usage: "Migrate calendars only, regardless of the plan flags",
			},
			&cli.BoolFlag{
				Name:  "contacts-only",
				Usage: "Migrate contacts only, regardless of the plan flags",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("verbose") {
				logger.SetLevel(log.DebugLevel)
			}
			if cmd.Bool("calendars-only") && cmd.Bool("contacts-only") {
				return fmt.Errorf("%w: --calendars-only and --contacts-only are mutually exclusive", ErrInvalidPlan)
			}

			plan, err := LoadPlan(cmd.String("plan"))
			if err != nil {
				return err
			}

			opts := plan.Migration.options()
			if cmd.Bool("dry-run") {
				opts.DryRun = true
			}

			source, err := connect(ctx, plan.Source, logger.With("role", "source"))
			if err != nil {
				return fmt.Errorf("failed to connect to source server: %w", err)
			}
			dest, err := connect(ctx, plan.Destination, logger.With("role", "destination"))
			if err != nil {
				return fmt.Errorf("failed to connect to destination server: %w", err)
			}

			engine := migration.New(source, dest, opts, nil, logger)

			doCalendars := boolOrDefault(plan.Migration.MigrateCalendars, true) && !cmd.Bool("contacts-only")
			doContacts := boolOrDefault(plan.Migration.MigrateContacts, true) && !cmd.Bool("calendars-only")

			if doCalendars {
				if err := engine.MigrateCalendars(ctx); err != nil {
					return err
				}
			}
			if doContacts {
				if err := engine.MigrateContacts(ctx); err != nil {
					return err
				}
			}

			printStats(engine.Stats(), opts.DryRun)
			return nil
		},
	}
}

func discoverCommand(logger *log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List the collections visible on one side of a plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plan",
				Aliases: []string{"p"},
				Usage:   "Path to the TOML plan file",
				Value:   "plan.toml",
			},
			&cli.StringFlag{
				Name:  "side",
				Usage: "Which endpoint to inspect (source or destination)",
				Value: "source",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			plan, err := LoadPlan(cmd.String("plan"))
			if err != nil {
				return err
			}

			ep := plan.Source
			switch cmd.String("side") {
			case "source":
			case "destination", "dest":
				ep = plan.Destination
			default:
				return fmt.Errorf("%w: side must be source or destination", ErrInvalidPlan)
			}

			session, err := connect(ctx, ep, logger)
			if err != nil {
				return err
			}

			for _, kind := range []dav.Kind{dav.KindCalendar, dav.KindAddressBook} {
				cols, err := session.Collections(ctx, kind)
				if err != nil {
					logger.Warn("discovery failed", "kind", kind, "error", err)
					continue
				}
				fmt.Printf("%s:\n", kind)
				if len(cols) == 0 {
					fmt.Println("  (none)")
					continue
				}
				for _, col := range cols {
					fmt.Printf("  %s\t%s\n", col.Name, col.Path)
				}
			}
			return nil
		},
	}
}

// connect opens and connects a session for one plan endpoint.
func connect(ctx context.Context, planEp PlanEndpoint, logger *log.Logger) (*dav.Session, error) {
	endpoint, cred := planEp.endpoint()
	session, err := dav.NewSession(endpoint, cred, logger)
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

func printStats(stats migration.Stats, dryRun bool) {
	if dryRun {
		fmt.Println("Dry run complete. No data was written.")
		if stats.DryRunDetails != nil {
			for _, d := range stats.DryRunDetails.Calendars {
				fmt.Printf("  calendar %s: %d items (%d filtered)\n", d.Name, d.ItemCount, d.FilteredCount)
			}
			for _, d := range stats.DryRunDetails.AddressBooks {
				fmt.Printf("  addressbook %s: %d items\n", d.Name, d.ItemCount)
			}
		}
		return
	}
	fmt.Println("Migration complete.")
	fmt.Printf("  calendars: %d migrated, %d failed\n", stats.CalendarsMigrated, stats.CalendarsFailed)
	fmt.Printf("  events: %d migrated, %d skipped, %d failed\n", stats.EventsMigrated, stats.EventsSkipped, stats.EventsFailed)
	fmt.Printf("  addressbooks: %d migrated, %d failed\n", stats.AddressBooksMigrated, stats.AddressBooksFailed)
	fmt.Printf("  contacts: %d migrated, %d skipped, %d failed\n", stats.ContactsMigrated, stats.ContactsSkipped, stats.ContactsFailed)
}
