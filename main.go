// salesdash synchronizes sales invoices and salespeople from an upstream
// CRM into a local sqlite store and serves them to the dashboard through
// a JSON query API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"salesdash/apiclients/crm"
	"salesdash/cache"
	"salesdash/config"
	"salesdash/dashboard"
	"salesdash/db"
	"salesdash/query"
	"salesdash/sync"
	"salesdash/web"
)

// newLogger builds the application logger. Debug switches the level and
// adds caller reporting.
func newLogger(debug bool) *slog.Logger {
	opts := charmlog.Options{
		ReportTimestamp: true,
	}
	if debug {
		opts.Level = charmlog.DebugLevel
		opts.ReportCaller = true
	}
	return slog.New(charmlog.NewWithOptions(os.Stderr, opts))
}

// appEnv is the wired-up application: everything the commands need.
type appEnv struct {
	cfg          *config.Config
	log          *slog.Logger
	db           *db.DB
	orchestrator *sync.Orchestrator
	queries      *query.Service
	rates        *query.RateTable
}

// setup loads configuration and connects the application components.
func setup(ctx context.Context, configPath string, debug bool) (*appEnv, error) {

	logger := newLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	database, err := db.NewConnection(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("database setup error: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("database schema error: %w", err)
	}

	upstream := crm.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.HTTPClient(ctx),
		logger,
		crm.Options{
			RequestTimeout: cfg.Upstream.RequestTimeout,
			RetryAttempts:  cfg.Upstream.RetryAttempts,
			MaxInFlight:    int64(cfg.Upstream.MaxInFlight),
			RosterTTL:      cfg.Upstream.RosterTTL,
			Username:       cfg.Upstream.Username,
			Password:       cfg.Upstream.Password,
		},
	)

	orchestrator := sync.NewOrchestrator(
		database, upstream, logger, cfg.Upstream.PageSize, cfg.Sync.LeaseDuration)

	queries := query.NewService(database, logger, cfg.Upstream.PageSize)

	var rates *query.RateTable
	if cfg.Query.RatesPath != "" {
		rates, err = query.LoadRates(cfg.Query.RatesPath, logger)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("rates error: %w", err)
		}
		if err := rates.VerifyReference(cfg.Query.ReferenceCurrency); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	return &appEnv{
		cfg:          cfg,
		log:          logger,
		db:           database,
		orchestrator: orchestrator,
		queries:      queries,
		rates:        rates,
	}, nil
}

// serve runs the web server, the rates watcher and signal handling until
// interrupted.
func serve(ctx context.Context, configPath string, debug bool) error {

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer env.db.Close()

	webApp, err := web.New(env.log, env.cfg, env.db, env.queries, env.orchestrator)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webApp.Serve(ctx)
	})
	if env.rates != nil {
		g.Go(func() error {
			err := env.rates.Watch(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncOnce performs a single sync run from the command line.
func syncOnce(ctx context.Context, configPath string, debug bool) error {

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer env.db.Close()

	entry, err := env.orchestrator.Run(ctx, "triggered via cli")
	if errors.Is(err, db.ErrRunActive) {
		return fmt.Errorf("a sync run is already active")
	}
	if err != nil {
		return err
	}

	fmt.Printf("sync %d %s: %d/%d records in %d api calls\n",
		entry.ID, entry.Status, entry.ProcessedRecords, entry.TotalRecords, entry.APICalls)
	if entry.Error != "" {
		fmt.Printf("error: %s\n", entry.Error)
	}
	return nil
}

// dashboardView fetches the dashboard view from a running query API and
// prints it: the first invoice page straight away, then the derived
// aggregates as they settle. Responses are cached across invocations in
// the session tier so a refresh within the TTL costs no API calls.
func dashboardView(ctx context.Context, configPath string, debug bool, sortBy string) error {

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	rates, err := query.LoadRates(cfg.Query.RatesPath, logger)
	if err != nil {
		return fmt.Errorf("rates error: %w", err)
	}
	if err := rates.VerifyReference(cfg.Query.ReferenceCurrency); err != nil {
		return err
	}

	session, err := cache.NewBadgerStore(cfg.Cache.SessionPath, cfg.Cache.SessionCapacity)
	if err != nil {
		return err
	}
	responseCache := cache.New(
		cache.NewMemoryStore(cfg.Cache.MemoryCapacity),
		session,
		logger,
		cache.Options{
			MemoryTTL:     cfg.Cache.MemoryTTL,
			SessionTTL:    cfg.Cache.SessionTTL,
			SweepInterval: cfg.Cache.SweepInterval,
			CompressOver:  cfg.Cache.CompressOverBytes,
		},
	)
	defer responseCache.Close()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go responseCache.SweepLoop(sweepCtx)

	baseURL := fmt.Sprintf("http://%s", cfg.Web.ListenAddress)
	client := dashboard.NewClient(baseURL, nil, responseCache, logger)

	page, aggregates, err := dashboard.Load(ctx, client, rates, logger, cfg.Upstream.PageSize, sortBy)
	if err != nil {
		return err
	}

	fmt.Printf("invoices (page %d of %d, %d total):\n", page.Page, page.TotalPages, page.TotalRecords)
	for _, inv := range page.Invoices {
		fmt.Printf("  %-12s %s  %10.2f %s  %s\n",
			inv.Number, inv.Date.Format("2006-01-02"), inv.Total, inv.Currency, inv.CustomerName)
	}

	revenue, err := aggregates.Revenue.Wait(ctx)
	if err != nil {
		logger.Warn("revenue unavailable", "error", err)
	} else {
		fmt.Printf("\nrevenue: %.2f %s\n", revenue, rates.Reference())
	}

	performances, err := aggregates.Performance.Wait(ctx)
	if err != nil {
		logger.Warn("salesperson performance unavailable", "error", err)
	} else {
		fmt.Println("\nsalespersons:")
		for _, p := range performances {
			fmt.Printf("  %-24s %10.2f over %d invoices (avg %.2f)\n",
				p.Name, p.TotalSales, p.InvoiceCount, p.AverageSale)
		}
	}

	stats, err := aggregates.Stats.Wait(ctx)
	if err != nil {
		logger.Warn("stats unavailable", "error", err)
	} else {
		fmt.Printf("\nstore: %d invoices, %d employees\n", stats.InvoiceCount, stats.EmployeeCount)
		for _, c := range stats.Currencies {
			fmt.Printf("  %s: %d invoices totalling %.2f\n", c.Currency, c.InvoiceCount, c.Total)
		}
	}
	return nil
}

// status prints the most recent sync run.
func status(ctx context.Context, configPath string, debug bool) error {

	env, err := setup(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer env.db.Close()

	entry, err := env.db.SyncLogLatest(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Println("no sync has run yet")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("sync %d (%s) started %s status %s: %d/%d records, %d api calls, last page %d\n",
		entry.ID, entry.SyncType, entry.StartTime.Format("2006-01-02 15:04:05"),
		entry.Status, entry.ProcessedRecords, entry.TotalRecords,
		entry.APICalls, entry.LastPageProcessed)
	if entry.Error != "" {
		fmt.Printf("error: %s\n", entry.Error)
	}
	return nil
}

// buildCLI creates the full CLI command structure for the application.
func buildCLI() *cli.Command {

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "path to the configuration file",
	}
	debugFlag := &cli.BoolFlag{
		Name:    "debug",
		Aliases: []string{"d"},
		Usage:   "enable debug logging",
	}

	serveCmd := &cli.Command{
		Name:  "serve",
		Usage: "Run the dashboard query API server",
		Flags: []cli.Flag{configFlag, debugFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.Bool("debug"))
		},
	}

	syncCmd := &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization against the upstream CRM",
		Flags: []cli.Flag{configFlag, debugFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return syncOnce(ctx, c.String("config"), c.Bool("debug"))
		},
	}

	statusCmd := &cli.Command{
		Name:  "status",
		Usage: "Show the most recent sync run",
		Flags: []cli.Flag{configFlag, debugFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return status(ctx, c.String("config"), c.Bool("debug"))
		},
	}

	dashboardCmd := &cli.Command{
		Name:  "dashboard",
		Usage: "Show the dashboard view from a running query API",
		Flags: []cli.Flag{configFlag, debugFlag,
			&cli.StringFlag{
				Name:  "sort",
				Value: "date",
				Usage: "invoice sort key (date, total, number, customer, synced)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return dashboardView(ctx, c.String("config"), c.Bool("debug"), c.String("sort"))
		},
	}

	return &cli.Command{
		Name:     "salesdash",
		Usage:    "Synchronize CRM sales invoices and serve the dashboard API",
		Commands: []*cli.Command{serveCmd, syncCmd, statusCmd, dashboardCmd},
	}
}

func main() {
	if err := buildCLI().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
