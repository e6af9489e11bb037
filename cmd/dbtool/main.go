package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/config"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/migrations"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/registry"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	rootCmd := &cobra.Command{
		Use:           "dbtool",
		Short:         "Database and enrollment maintenance for the enrollment backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(forceCmd())
	rootCmd.AddCommand(redriveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(purgeLinksCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, cfg, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			log.Printf("Applying migrations...")
			if err := migrations.Up(db); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			log.Printf("Migrations applied successfully")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the recorded schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			v, dirty, err := migrations.Status(db)
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}
}

func fixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Clear the dirty flag left by an interrupted migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			log.Printf("Attempting to fix dirty database...")
			if err := migrations.FixDirtyDatabase(db); err != nil {
				return fmt.Errorf("failed to fix dirty database: %w", err)
			}
			log.Printf("Database fixed successfully")
			return nil
		},
	}
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Set the recorded schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}

			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			log.Printf("Forcing database version to %d...", v)
			if err := migrations.ForceVersion(db, uint(v)); err != nil {
				return fmt.Errorf("failed to force version: %w", err)
			}
			log.Printf("Database version forced to %d", v)
			return nil
		},
	}
}

func newIssuer(st *store.Store, cfg config.Config) (*checkout.Issuer, error) {
	return checkout.NewIssuer(st, checkout.Config{BaseURL: cfg.Checkout.BaseURL, TTL: cfg.Checkout.LinkTTL})
}

// newEnrollmentService builds the state machine against the configured
// registry. Registry calls always run inline from the CLI.
func newEnrollmentService(db *sql.DB, cfg config.Config) (*enrollment.Service, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	issuer, err := newIssuer(st, cfg)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewClient(registry.Config{
		BaseURL:       cfg.Registry.BaseURL,
		APIKey:        cfg.Registry.APIKey,
		APIKeyHeader:  cfg.Registry.APIKeyHeader,
		SuccessMarker: cfg.Registry.SuccessMarker,
		Timeout:       cfg.Registry.Timeout,
		MaxAttempts:   cfg.Registry.MaxAttempts,
		Backoff:       cfg.Registry.Backoff,
	})
	if err != nil {
		return nil, err
	}
	return enrollment.NewService(st, reg, issuer, enrollment.Config{})
}

func redriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <enrollment-id>",
		Short: "Push a registry_failed enrollment through the registry again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := newEnrollmentService(db, cfg)
			if err != nil {
				return err
			}
			res, err := svc.Redrive(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("redrive %s: %w", args[0], err)
			}
			fmt.Printf("%s: %s (status %s)\n", args[0], res.Action, res.Status)
			if res.RegistryError != "" {
				fmt.Printf("registry error (%s): %s\n", res.RegistryErrorKind, res.RegistryError)
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-drive transient registry failures and stuck confirmations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := newEnrollmentService(db, cfg)
			if err != nil {
				return err
			}
			n, err := svc.SweepRedrive(cmd.Context(), limit)
			fmt.Printf("attempted %d enrollment(s)\n", n)
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum enrollments to re-drive")
	return cmd
}

func purgeLinksCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-links",
		Short: "Delete used or expired checkout links",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := store.New(db)
			if err != nil {
				return err
			}
			issuer, err := newIssuer(st, cfg)
			if err != nil {
				return err
			}
			n, err := issuer.PurgeStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d checkout link(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of links to delete")
	return cmd
}
