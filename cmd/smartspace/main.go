// Package main is the entrypoint for the smartspace device middleware.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/smartspace/internal/config"
	"github.com/morezero/smartspace/internal/server"
	"github.com/morezero/smartspace/pkg/commsutil"
	"github.com/morezero/smartspace/pkg/db"
	"github.com/morezero/smartspace/pkg/messageengine"
	"github.com/morezero/smartspace/pkg/messages"
)

const usage = `Usage: smartspace [command]
       smartspace serve                 Start the device (COMMS, drivers, applications, HTTP health).
       smartspace migrate up            Apply pending database migrations.
       smartspace migrate status        Show applied and pending migrations and stored subscriptions.
       smartspace ensure-db [name]      Create database if missing (default name: smartspace_test). Uses DATABASE_URL host/user.
       smartspace clear                 Delete every persisted event subscription; schema is preserved.
       smartspace call <device> <driver> <service> [instance] [key=value...]
                                        Call a service on a device and print the response.
       smartspace notify <device> <driver> <eventKey> [instance] [key=value...]
                                        Send an event notification to a device.
       smartspace describe <device>     Print the device's name and networks.

Commands:
  serve           (default) Start the smartspace device.
  migrate up      Apply migrations not yet recorded in schema_migrations.
  migrate status  Show the migration ledger and event subscription counts.
  ensure-db [name] Create database (e.g. smartspace_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Delete persisted event subscriptions.
  call, notify, describe
                  Talk to a running device over COMMS as "<DEVICE_NAME>-cli".

Environment: COMMS_URL (default nats://127.0.0.1:4222), DEVICE_NAME, DEVICE_FILE, DATABASE_URL (optional for serve),
MIGRATION_PATH, HTTP_PORT (default 8080, 0 disables), REQUEST_TIMEOUT, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("smartspace migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("smartspace migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("smartspace migrate status: %v", err)
			}
		default:
			log.Fatalf("smartspace migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("smartspace clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "smartspace_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("smartspace ensure-db: %v", err)
		}
		return
	case "call":
		if err := runCall(args[1:]); err != nil {
			log.Fatalf("smartspace call: %v", err)
		}
		return
	case "notify":
		if err := runNotify(args[1:]); err != nil {
			log.Fatalf("smartspace notify: %v", err)
		}
		return
	case "describe":
		if err := runDescribe(args[1:]); err != nil {
			log.Fatalf("smartspace describe: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("smartspace: %v", err)
	}
}

func withDatabase(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withDatabase(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		applied, err := db.RunMigrations(ctx, pool, migrations)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("Schema is up to date.")
			return nil
		}
		fmt.Printf("Applied %s.\n", strings.Join(applied, ", "))
		return nil
	})
}

func runMigrateStatus() error {
	return withDatabase(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		report, err := db.MigrationStatus(ctx, pool, migrations)
		if err != nil {
			return err
		}
		fmt.Print(report)
		return nil
	})
}

func runClear() error {
	return withDatabase(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		n, err := db.NewSubscriptionRepository(pool).Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear subscriptions: %w", err)
		}
		fmt.Printf("Deleted %d event subscriptions.\n", n)
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	created, err := db.EnsureDatabase(context.Background(), u.String())
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Database %q created.\n", dbName)
	} else {
		fmt.Printf("Database %q already exists.\n", dbName)
	}
	return nil
}

// parseParams turns key=value arguments into a map.
func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", a)
		}
		params[k] = v
	}
	return params, nil
}

// splitTarget splits the arguments after the three required ones into an optional
// instance id and the key=value parameters. An instance id never contains "=".
func splitTarget(rest []string) (string, map[string]string, error) {
	instanceID := ""
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		instanceID, rest = rest[0], rest[1:]
	}
	params, err := parseParams(rest)
	return instanceID, params, err
}

// parseCallArgs parses: <device> <driver> <service> [instance] [key=value...]
func parseCallArgs(args []string) (string, *messages.ServiceCall, error) {
	if len(args) < 3 {
		return "", nil, fmt.Errorf("require <device> <driver> <service>")
	}
	instanceID, params, err := splitTarget(args[3:])
	if err != nil {
		return "", nil, err
	}
	call := messages.NewServiceCall(args[1], args[2], instanceID)
	call.Parameters = params
	return args[0], call, nil
}

// parseNotifyArgs parses: <device> <driver> <eventKey> [instance] [key=value...]
func parseNotifyArgs(args []string) (string, *messages.Notify, error) {
	if len(args) < 3 {
		return "", nil, fmt.Errorf("require <device> <driver> <eventKey>")
	}
	instanceID, params, err := splitTarget(args[3:])
	if err != nil {
		return "", nil, err
	}
	notify := messages.NewNotify(args[2], args[1], instanceID)
	notify.Parameters = params
	return args[0], notify, nil
}

// withEngine connects to COMMS as "<device>-cli" and hands a message engine to fn.
func withEngine(fn func(ctx context.Context, engine *messageengine.Engine) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	self := messages.NewDevice(cfg.Device() + "-cli")
	nc, err := commsutil.Connect(cfg.COMMSURL, self.Name, commsutil.ConnectOpts{})
	if err != nil {
		return fmt.Errorf("connect COMMS: %w", err)
	}
	defer nc.Close()

	engine, err := messageengine.New(nc, messageengine.Opts{
		Self:              self,
		RequestTimeout:    cfg.RequestTimeout,
		VersionConstraint: cfg.ProtocolVersionConstraint,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()
	return fn(ctx, engine)
}

func runCall(args []string) error {
	device, call, err := parseCallArgs(args)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, engine *messageengine.Engine) error {
		resp, err := engine.CallService(ctx, messages.NewDevice(device), call)
		if err != nil {
			return err
		}
		if err := printJSON(resp); err != nil {
			return err
		}
		if resp.Failed() {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil
	})
}

func runNotify(args []string) error {
	device, notify, err := parseNotifyArgs(args)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, engine *messageengine.Engine) error {
		return engine.NotifyEvent(ctx, notify, messages.NewDevice(device))
	})
}

func runDescribe(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("require <device>")
	}
	return withEngine(func(ctx context.Context, engine *messageengine.Engine) error {
		d, err := engine.Describe(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(d)
	})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
