package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one forward-only schema change. Version is the file name without ".sql";
// versions apply in lexical order.
type Migration struct {
	Version string
	SQL     string
}

// AppliedMigration is a row of the schema_migrations ledger.
type AppliedMigration struct {
	Version   string
	AppliedAt time.Time
}

const createLedgerSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT        PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// LoadMigrations reads the .sql files of dir, sorted by version.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(e.Name(), ".sql"), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// pendingMigrations returns the migrations whose version is not in applied, in order.
func pendingMigrations(migrations []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range migrations {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// RunMigrations applies the migrations not yet recorded in schema_migrations. Each one
// runs in its own transaction together with its ledger row. It returns the applied versions.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]string, error) {
	if _, err := pool.Exec(ctx, createLedgerSQL); err != nil {
		return nil, fmt.Errorf("%s - failed to create migration ledger: %w", migrationsLogPrefix, err)
	}
	done, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(done))
	for _, a := range done {
		applied[a.Version] = true
	}

	var versions []string
	for _, m := range pendingMigrations(migrations, applied) {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return versions, fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Version, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied migration %s", migrationsLogPrefix, m.Version))
		versions = append(versions, m.Version)
	}
	slog.Info(fmt.Sprintf("%s - %d migrations applied, %d already present", migrationsLogPrefix, len(versions), len(done)))
	return versions, nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) ([]AppliedMigration, error) {
	rows, err := pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration ledger: %w", migrationsLogPrefix, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("%s - failed to scan migration ledger: %w", migrationsLogPrefix, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MigrationReport describes the schema and the persisted subscriptions.
type MigrationReport struct {
	Applied []AppliedMigration
	Pending []string
	// Subscriptions and Devices count the stored event subscriptions and the distinct
	// remote devices holding them. Both are zero before the table exists.
	Subscriptions int64
	Devices       int64
}

// UpToDate reports whether every known migration is applied.
func (r *MigrationReport) UpToDate() bool {
	return len(r.Pending) == 0
}

// String renders the report for the CLI.
func (r *MigrationReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Applied migrations: %d\n", len(r.Applied))
	for _, a := range r.Applied {
		fmt.Fprintf(&b, "  %s  %s\n", a.Version, a.AppliedAt.UTC().Format(time.RFC3339))
	}
	if r.UpToDate() {
		b.WriteString("Pending migrations: none\n")
	} else {
		fmt.Fprintf(&b, "Pending migrations: %s (run 'smartspace migrate up')\n", strings.Join(r.Pending, ", "))
	}
	fmt.Fprintf(&b, "Event subscriptions: %d held by %d devices\n", r.Subscriptions, r.Devices)
	return b.String()
}

// MigrationStatus compares migrations with the ledger and counts the stored subscriptions.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (*MigrationReport, error) {
	report := &MigrationReport{}

	var hasLedger, hasSubscriptions bool
	err := pool.QueryRow(ctx,
		`SELECT to_regclass('public.schema_migrations') IS NOT NULL,
		        to_regclass('public.event_subscriptions') IS NOT NULL`).Scan(&hasLedger, &hasSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to check schema: %w", migrationsLogPrefix, err)
	}

	applied := make(map[string]bool)
	if hasLedger {
		if report.Applied, err = appliedMigrations(ctx, pool); err != nil {
			return nil, err
		}
		for _, a := range report.Applied {
			applied[a.Version] = true
		}
	}
	for _, m := range pendingMigrations(migrations, applied) {
		report.Pending = append(report.Pending, m.Version)
	}

	if hasSubscriptions {
		err := pool.QueryRow(ctx, `SELECT count(*), count(DISTINCT device) FROM event_subscriptions`).
			Scan(&report.Subscriptions, &report.Devices)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to count subscriptions: %w", migrationsLogPrefix, err)
		}
	}
	return report, nil
}
