package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"stackyard/internal/blocking"
	"stackyard/internal/config"
	"stackyard/internal/domain"
	"stackyard/internal/grid"
	"stackyard/internal/inventory"
	"stackyard/internal/layout"
	"stackyard/internal/messaging/inproc"
	"stackyard/internal/motion"
	"stackyard/internal/orchestrator"
	"stackyard/internal/planner"
	sqlitestore "stackyard/internal/store/sqlite"
	"stackyard/internal/ticklog"
	"stackyard/internal/transport/ws"
	"stackyard/internal/warehouse"
)

type app struct {
	// ctx ends when the process shuts down and cancels running batches.
	ctx    context.Context
	cfg    config.Config
	layout layout.Layout
	geom   *grid.Geometry

	core  *warehouse.Core
	cargo *inventory.Store
	orch  *orchestrator.Service
	store *sqlitestore.Store
	bus   *inproc.Bus
	ws    *ws.Server

	logger *log.Logger
}

func main() {
	configPath := flag.String("config", "", "path to stackyard.toml (default: built-in settings)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	layoutFlag := flag.String("layout", "", "warehouse layout yaml override")
	tickLogFlag := flag.String("tick-log", "", "directory for compressed tick logs override")
	demo := flag.String("demo", "", "submit a demo order on startup, e.g. 7-12")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, "127.0.0.1:8091")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath, "data/stackyard.db"))
	layoutPath := firstNonEmpty(*layoutFlag, cfg.Server.LayoutPath)
	tickLogDir := firstNonEmpty(*tickLogFlag, cfg.Server.TickLogDir)

	lay, err := layout.Load(layoutPath)
	if err != nil {
		log.Fatalf("load layout: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	var ticks *ticklog.TickLogger
	if tickLogDir != "" {
		ticks = ticklog.NewTickLogger(filepath.Clean(tickLogDir))
		defer func() {
			_ = ticks.Close()
		}()
	}

	a, err := newApp(ctx, cfg, lay, store, ticks, log.Default())
	if err != nil {
		log.Fatalf("build warehouse: %v", err)
	}

	go a.core.Run(ctx, durationMS(cfg.Simulation.TickIntervalMS, 16*time.Millisecond))

	if strings.TrimSpace(*demo) != "" {
		if err := a.bootstrapDemo(ctx, *demo); err != nil {
			log.Printf("demo order failed: %v", err)
		}
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"stackyard started addr=%s db=%s grid=%dx%dx%d cars=%d boxes=%d",
		addr,
		dbPath,
		a.geom.Width(),
		a.geom.Depth(),
		a.geom.Height(),
		len(a.core.AgentIDs()),
		a.cargo.Len(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	a.orch.Wait()
}

// newApp assembles the simulation around an open, migrated store. The caller
// drives the tick loop.
func newApp(ctx context.Context, cfg config.Config, lay layout.Layout, store *sqlitestore.Store, ticks *ticklog.TickLogger, logger *log.Logger) (*app, error) {
	geom, err := lay.Geometry()
	if err != nil {
		return nil, err
	}

	cargo := inventory.New(geom)
	cargo.Populate()
	saved, err := store.LoadCargoSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(saved) > 0 {
		restored := cargo.Restore(saved)
		logger.Printf("cargo snapshot restored boxes=%d", restored)
	}

	bus := inproc.New(256)
	ctrl := motion.New(geom, planner.New(geom), cfg.Simulation.CarSpeed)
	var tickLog warehouse.TickLog
	if ticks != nil {
		tickLog = ticks
	}
	core := warehouse.New(geom, ctrl, cargo, bus, tickLog, logger)
	if _, err := core.CreateCars(lay.CarSpecs()); err != nil {
		return nil, fmt.Errorf("create cars: %w", err)
	}

	orchCfg := orchestrator.Config{
		PickupDwell:         time.Duration(cfg.Orchestrator.PickupDwellMS) * time.Millisecond,
		DropoffDwell:        time.Duration(cfg.Orchestrator.DropoffDwellMS) * time.Millisecond,
		ReadyTimeout:        time.Duration(cfg.Orchestrator.ReadyTimeoutMS) * time.Millisecond,
		MaxConcurrentOrders: intOrDefault(cfg.Orchestrator.MaxConcurrentOrders, 2),
		ShippingTargets:     lay.Targets(),
	}
	orch := orchestrator.New(core, cargo, blocking.New(geom, cargo), store, bus, orchCfg, logger)

	return &app{
		ctx:    ctx,
		cfg:    cfg,
		layout: lay,
		geom:   geom,
		core:   core,
		cargo:  cargo,
		orch:   orch,
		store:  store,
		bus:    bus,
		ws:     ws.NewServer(bus, logger),
		logger: logger,
	}, nil
}

func (a *app) bootstrapDemo(ctx context.Context, content string) error {
	items, err := domain.ParseItemList(content)
	if err != nil {
		return err
	}
	batchID, results, err := a.orch.Submit(ctx, []domain.OrderRequest{{Items: items}})
	if err != nil {
		return err
	}
	go func() {
		res := <-results
		a.logger.Printf("demo batch finished id=%s success=%t message=%s", batchID, res.Success, res.Message)
	}()
	log.Printf("demo batch started id=%s items=%v", batchID, items)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
