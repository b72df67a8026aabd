// Package server orchestrates all components: COMMS client, DB, event router, dispatcher,
// drivers, applications and the HTTP health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/smartspace/internal/config"
	"github.com/morezero/smartspace/pkg/application"
	"github.com/morezero/smartspace/pkg/bootstrap"
	"github.com/morezero/smartspace/pkg/commsutil"
	"github.com/morezero/smartspace/pkg/connmgr"
	"github.com/morezero/smartspace/pkg/db"
	"github.com/morezero/smartspace/pkg/dispatcher"
	"github.com/morezero/smartspace/pkg/drivers"
	"github.com/morezero/smartspace/pkg/events"
	"github.com/morezero/smartspace/pkg/gateway"
	"github.com/morezero/smartspace/pkg/messageengine"
	"github.com/morezero/smartspace/pkg/messages"
	"github.com/morezero/smartspace/pkg/metrics"
)

const logPrefix = "server:server"

// Opts adds to what the configuration describes. Pass nil for opts to use defaults.
type Opts struct {
	// Applications are deployed, in order, when the server starts.
	Applications []application.Application
}

// Server is the smartspace device orchestrator.
type Server struct {
	cfg    *config.Config
	device *messages.Device

	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	engine     *messageengine.Engine
	subs       *messageengine.Subscriptions

	promReg *prometheus.Registry
	router  *events.Router
	drivers *drivers.Registry
	apps    *application.Manager
	gateway *gateway.Gateway

	// health probes; nil probes are reported as not configured
	commsOK func() bool
	dbPing  func(ctx context.Context) error
}

// New connects to COMMS (and the database when configured) and wires every component.
// Nothing is served until Start.
func New(ctx context.Context, cfg *config.Config, opts *Opts) (*Server, error) {
	if err := cfg.ValidateForServe(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg}

	// Step 1: Load the device descriptor
	deviceCfg, err := bootstrap.LoadDeviceConfig(cfg.Device(), cfg.DeviceFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load device config: %w", logPrefix, err)
	}
	if cfg.DeviceName != "" && cfg.DeviceName != deviceCfg.Name {
		deviceCfg = bootstrap.MergeDeviceConfigs(deviceCfg, &bootstrap.DeviceConfig{Name: cfg.DeviceName})
		if err := deviceCfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s - invalid device config: %w", logPrefix, err)
		}
	}
	s.device = deviceCfg.Device()
	slog.Info(fmt.Sprintf("%s - Device %s with %d networks", logPrefix, s.device.Name, len(s.device.Networks)))

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, s.device.Name, commsutil.ConnectOpts{})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc
	s.commsOK = nc.IsConnected

	// Step 3: Subscription store, in Postgres when configured
	var store events.SubscriptionStore = events.NewMemoryStore()
	if cfg.HasDatabase() {
		pool, err := s.openDatabase(ctx)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.pool = pool
		s.dbPing = pool.Ping
		store = db.NewSubscriptionRepository(pool)
	}

	// Step 4: Metrics, message engine and event router
	s.promReg = metrics.NewRegistry()
	m := metrics.New(s.promReg)

	engine, err := messageengine.New(nc, messageengine.Opts{
		Self:              s.device,
		RequestTimeout:    cfg.RequestTimeout,
		VersionConstraint: cfg.ProtocolVersionConstraint,
	})
	if err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("%s - failed to create message engine: %w", logPrefix, err)
	}
	s.engine = engine

	s.router = events.NewRouter(engine, &events.RouterOpts{Store: store, Metrics: m})
	if _, err := s.router.Restore(ctx); err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("%s - failed to restore event subscriptions: %w", logPrefix, err)
	}

	// Step 5: Dispatcher, drivers and applications
	disp := dispatcher.NewDispatcher(dispatcher.Options{
		Connections:    connmgr.New(),
		ConnectTimeout: cfg.ChannelConnectTimeout,
		Metrics:        m,
	})

	s.drivers = drivers.NewRegistry()
	if _, err := s.drivers.Deploy(drivers.DeviceDriverName, drivers.NewDeviceDriver(s.device, s.drivers), ""); err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("%s - failed to deploy device driver: %w", logPrefix, err)
	}
	for _, p := range deviceCfg.Proxies {
		proxy := drivers.NewProxyDriver(p.Driver, messages.NewDevice(p.Device), engine)
		if _, err := s.drivers.Deploy(p.Driver, proxy, p.InstanceID); err != nil {
			s.closeConnections()
			return nil, fmt.Errorf("%s - failed to deploy proxy for %s: %w", logPrefix, p.Driver, err)
		}
	}

	s.apps = application.NewManager(nil, &application.ManagerOpts{Router: s.router})
	gw, err := gateway.New(gateway.Opts{
		Self:       s.device,
		Dispatcher: disp,
		Resolver:   &gateway.LocalTargets{Drivers: s.drivers, Apps: s.apps},
		Remote:     engine,
		Router:     s.router,
	})
	if err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("%s - failed to create gateway: %w", logPrefix, err)
	}
	s.gateway = gw
	s.apps.SetGateway(gw)

	if opts != nil {
		for _, app := range opts.Applications {
			s.apps.Add(app)
		}
	}
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if !s.cfg.RunMigrations {
		return pool, nil
	}
	migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
	}
	if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
	}
	return pool, nil
}

// Start serves the device subjects, deploys the applications and starts the HTTP
// endpoint when an address or port is configured.
func (s *Server) Start(ctx context.Context) error {
	subs, err := s.engine.Serve(ctx, &inboundHandler{router: s.router, gateway: s.gateway})
	if err != nil {
		return fmt.Errorf("%s - failed to serve device subjects: %w", logPrefix, err)
	}
	s.subs = subs
	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("%s - failed to flush subscriptions: %w", logPrefix, err)
	}

	if err := s.apps.StartApplications(ctx); err != nil {
		slog.Error(fmt.Sprintf("%s - some applications failed to deploy: %v", logPrefix, err))
	}

	if addr := s.httpAddr(); addr != "" {
		s.httpServer = &http.Server{Addr: addr, Handler: s.routes()}
		go func() {
			slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, addr))
			if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
			}
		}()
	}

	slog.Info(fmt.Sprintf("%s - Device %s is ready", logPrefix, s.device.Name))
	return nil
}

func (s *Server) httpAddr() string {
	if s.cfg.HTTPAddr != "" {
		return s.cfg.HTTPAddr
	}
	if s.cfg.HTTPPort > 0 {
		return fmt.Sprintf(":%d", s.cfg.HTTPPort)
	}
	return ""
}

// Shutdown tears down the applications, stops serving and closes the connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.apps != nil {
		if err := s.apps.TearDown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.subs != nil {
		if err := s.subs.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closeConnections()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return errors.Join(errs...)
}

func (s *Server) closeConnections() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Device returns the local device.
func (s *Server) Device() *messages.Device { return s.device }

// Gateway returns the gateway handed to applications.
func (s *Server) Gateway() *gateway.Gateway { return s.gateway }

// Drivers returns the driver registry. Drivers deployed before Start are served from the start.
func (s *Server) Drivers() *drivers.Registry { return s.drivers }

// Applications returns the application manager.
func (s *Server) Applications() *application.Manager { return s.apps }

// Router returns the event router.
func (s *Server) Router() *events.Router { return s.router }

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info(fmt.Sprintf("%s - Starting smartspace", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown(ctx)
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	return s.Shutdown(shutdownCtx)
}
