package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sofia-pulse/pulse/internal/acled"
	"github.com/sofia-pulse/pulse/internal/config"
	"github.com/sofia-pulse/pulse/internal/country"
	"github.com/sofia-pulse/pulse/internal/db"
	"github.com/sofia-pulse/pulse/internal/gdelt"
	"github.com/sofia-pulse/pulse/internal/legacy"
	"github.com/sofia-pulse/pulse/internal/logging"
	"github.com/sofia-pulse/pulse/internal/metrics"
	"github.com/sofia-pulse/pulse/internal/notify"
	"github.com/sofia-pulse/pulse/internal/obs"
	"github.com/sofia-pulse/pulse/internal/runner"
	"github.com/sofia-pulse/pulse/internal/views"
)

const dayFormat = "2006-01-02"

var (
	verbose    bool
	dryRun     bool
	runOnce    bool
	startDay   string
	endDay     string
	missLimit  int
	aliasCode  string
	sourceName string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Sofia Pulse security observations collector",
	Long: `Pulse ingests security event data from ACLED and GDELT into a canonical
observations table and maintains per-country risk aggregates on top of it.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pulse %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the refresh controller (service mode)",
	Long: `Run the continuous refresh cycle: every tick the enabled source adapters
ingest their pending windows in parallel, unresolved countries are backfilled,
and the aggregate views are rebuilt and swapped atomically.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		cfg, pool := mustSetup(log)
		defer pool.Close()

		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go serveMetrics(log, cfg.MetricsAddr)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		acledAdapter, gdeltAdapter := buildAdapters(log, cfg, pool)
		rebuilder, err := views.NewRebuilder(views.RebuilderConfig{
			Logger:     log,
			Pool:       pool,
			Weights:    cfg.RiskWeights,
			WindowDays: cfg.WindowDays,
		})
		if err != nil {
			log.Error("failed to build view rebuilder", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}

		var notifier notify.Notifier = notify.NopNotifier{}
		if cfg.SlackWebhookURL != "" {
			notifier = notify.NewSlackNotifier(log, cfg.SlackWebhookURL)
		}

		controller, err := runner.New(runner.Config{
			Logger: log,
			Pool:   pool,
			Collectors: []runner.Collector{
				runner.NewCollector(acledAdapter.Name(), func(ctx context.Context, w runner.Window) (obs.UpsertResult, error) {
					return acledAdapter.RunWindow(ctx, w.Start, w.End)
				}),
				runner.NewCollector(gdeltAdapter.Name(), func(ctx context.Context, w runner.Window) (obs.UpsertResult, error) {
					return gdeltAdapter.RunWindow(ctx, w.Start, w.End)
				}),
			},
			Rebuilder:         rebuilder,
			Backfiller:        country.NewStore(pool),
			Notifier:          notifier,
			Tick:              cfg.RefreshTick,
			AdapterTimeout:    cfg.AdapterTimeout,
			ViewTimeout:       cfg.ViewTimeout,
			MaxPendingWindows: cfg.MaxPendingWindows,
			Hostname:          cfg.Hostname,
		})
		if err != nil {
			log.Error("failed to build refresh controller", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}

		if runOnce {
			os.Exit(controller.RunOnce(ctx))
		}
		if err := controller.Run(ctx); err != nil {
			log.Error("refresh controller exited with error", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()
		log.Info("schema is up to date")
	},
}

var acledCmd = &cobra.Command{
	Use:   "acled",
	Short: "ACLED source adapter commands",
}

var acledFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch one ACLED window from the API and ingest it",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		cfg, pool := mustSetup(log)
		defer pool.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start, end := mustWindow(log)
		runCtx, cancelRun := context.WithTimeout(ctx, cfg.AdapterTimeout)
		defer cancelRun()

		adapter, _ := buildAdapters(log, cfg, pool)
		result, err := adapter.RunWindow(runCtx, start, end)
		finishOneShot(runCtx, ctx, log, "acled fetch", result, err)
	},
}

var acledLoadFileCmd = &cobra.Command{
	Use:   "load-file",
	Short: "Ingest ACLED aggregate drop files (xlsx or csv)",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		cfg, pool := mustSetup(log)
		defer pool.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		runCtx, cancelRun := context.WithTimeout(ctx, cfg.AdapterTimeout)
		defer cancelRun()

		adapter, _ := buildAdapters(log, cfg, pool)
		result, err := adapter.RunFileDrops(runCtx, cfg.AcledDropDir)
		finishOneShot(runCtx, ctx, log, "acled load-file", result, err)
	},
}

var gdeltCmd = &cobra.Command{
	Use:   "gdelt",
	Short: "GDELT source adapter commands",
}

var gdeltFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch one GDELT window of hourly exports and ingest it",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		cfg, pool := mustSetup(log)
		defer pool.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start, end := mustWindow(log)
		runCtx, cancelRun := context.WithTimeout(ctx, cfg.AdapterTimeout)
		defer cancelRun()

		_, adapter := buildAdapters(log, cfg, pool)
		result, err := adapter.RunWindow(runCtx, start, end)
		finishOneShot(runCtx, ctx, log, "gdelt fetch", result, err)
	},
}

var countriesCmd = &cobra.Command{
	Use:   "countries",
	Short: "Country dimension and alias commands",
}

var countriesAddAliasCmd = &cobra.Command{
	Use:   "add-alias <name>",
	Short: "Map a country name variant onto an ISO code",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()

		store := country.NewStore(pool)
		if err := store.AddAlias(context.Background(), args[0], aliasCode); err != nil {
			log.Error("failed to add alias",
				slog.String("alias", args[0]),
				slog.String("code", aliasCode),
				slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}
		log.Info("alias added", slog.String("alias", args[0]), slog.String("code", aliasCode))
	},
}

var countriesBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-resolve observations left without a country code",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()

		store := country.NewStore(pool)
		sources := []string{string(obs.SourceACLED), string(obs.SourceGDELT), string(obs.SourceACLEDLegacy)}
		if sourceName != "" {
			sources = []string{sourceName}
		}
		for _, source := range sources {
			updated, err := store.BackfillUnresolved(context.Background(), source)
			if err != nil {
				log.Error("backfill failed", slog.String("source", source), slog.Any("error", err))
				os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
			}
			log.Info("backfill complete", slog.String("source", source), slog.Int64("updated", updated))
		}
	},
}

var countriesMissesCmd = &cobra.Command{
	Use:   "misses",
	Short: "Show recent unresolved country names",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()

		store := country.NewStore(pool)
		misses, err := store.RecentMisses(context.Background(), missLimit)
		if err != nil {
			log.Error("failed to list resolver misses", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
		}
		printMisses(misses)
	},
}

func printMisses(misses []country.Miss) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Raw Name", "Source", "Attempted At"})
	for _, m := range misses {
		table.Append([]string{m.Raw, m.Source, m.AttemptedAt})
	}
	table.Render()
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Aggregate view commands",
}

var viewsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the per-source and combined aggregates now",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		cfg, pool := mustSetup(log)
		defer pool.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rebuilder, err := views.NewRebuilder(views.RebuilderConfig{
			Logger:     log,
			Pool:       pool,
			Weights:    cfg.RiskWeights,
			WindowDays: cfg.WindowDays,
		})
		if err != nil {
			log.Error("failed to build view rebuilder", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}
		runCtx, cancelRun := context.WithTimeout(ctx, cfg.ViewTimeout)
		defer cancelRun()

		if err := rebuilder.Rebuild(runCtx); err != nil {
			log.Error("view rebuild failed", slog.Any("error", err))
			status, class := runner.Classify(runCtx, ctx, err)
			os.Exit(runner.ExitCode(status, class))
		}
		log.Info("views rebuilt")
	},
}

var viewsSetStructuralCmd = &cobra.Command{
	Use:   "set-structural <country-code> <risk>",
	Short: "Set a country's structural risk score (0..1)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()

		risk, err := strconv.ParseFloat(args[1], 64)
		if err != nil || risk < 0 || risk > 1 {
			log.Error("structural risk must be a number in [0,1]", slog.String("value", args[1]))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}
		if err := views.NewReader(pool).SetStructuralRisk(context.Background(), args[0], risk); err != nil {
			log.Error("failed to set structural risk", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
		}
		log.Info("structural risk set", slog.String("country", args[0]), slog.Float64("risk", risk))
	},
}

var legacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Legacy data commands",
}

var legacyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Fold the legacy security_events table into observations and drop it",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(verbose)
		_, pool := mustSetup(log)
		defer pool.Close()

		copied, err := legacy.Migrate(context.Background(), log, pool)
		if err != nil {
			log.Error("legacy migration failed", slog.Any("error", err))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
		}
		log.Info("legacy migration complete", slog.Int64("rows", copied))
	},
}

// mustSetup loads configuration, connects to the database, and applies any
// pending schema migrations.
func mustSetup(log *slog.Logger) (config.Config, *pgxpool.Pool) {
	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", slog.Any("error", err))
		os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, &db.Config{
		Logger:   log,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
	})
	if err != nil {
		log.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
	}
	if err := db.RunMigrations(ctx, log, pool); err != nil {
		log.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassTransientIO))
	}
	return cfg, pool
}

func buildAdapters(log *slog.Logger, cfg config.Config, pool *pgxpool.Pool) (*acled.Adapter, *gdelt.Adapter) {
	resolver := country.NewResolver(log, country.NewStore(pool))
	store := obs.NewStore(log, pool, cfg.BatchSize)

	acledClient := acled.NewClient(log, cfg.AcledBaseURL, cfg.AcledAPIKey, cfg.AcledEmail)
	gdeltClient := gdelt.NewClient(log, cfg.GdeltBaseURL)

	return acled.NewAdapter(log, acledClient, resolver, store, dryRun),
		gdelt.NewAdapter(log, gdeltClient, resolver, store, cfg.GdeltCameoMinRoot, dryRun)
}

// mustWindow parses the --start/--end day flags; end defaults to now, start
// to seven days before end.
func mustWindow(log *slog.Logger) (time.Time, time.Time) {
	end := time.Now().UTC()
	if endDay != "" {
		t, err := time.Parse(dayFormat, endDay)
		if err != nil {
			log.Error("invalid --end day", slog.String("value", endDay))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}
		end = t
	}
	start := end.Add(-7 * 24 * time.Hour)
	if startDay != "" {
		t, err := time.Parse(dayFormat, startDay)
		if err != nil {
			log.Error("invalid --start day", slog.String("value", startDay))
			os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
		}
		start = t
	}
	if !start.Before(end) {
		log.Error("window start must be before end",
			slog.Time("start", start),
			slog.Time("end", end))
		os.Exit(runner.ExitCode(runner.StatusFailed, runner.ErrorClassConfig))
	}
	return start, end
}

// finishOneShot reports a one-shot ingest outcome and maps it onto the
// process exit code contract. The run context carries the adapter timeout;
// the parent carries the stop signal, so the two exits stay distinct.
func finishOneShot(runCtx, parentCtx context.Context, log *slog.Logger, op string, result obs.UpsertResult, err error) {
	status, class := runner.Classify(runCtx, parentCtx, err)
	if status == runner.StatusSucceeded {
		log.Info(op+" complete",
			slog.Int64("inserted", result.Inserted),
			slog.Int64("updated", result.Updated))
		return
	}
	log.Error(op+" failed",
		slog.String("status", string(status)),
		slog.String("error_class", class),
		slog.Any("error", err))
	os.Exit(runner.ExitCode(status, class))
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", slog.Any("error", err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Map and validate rows without writing to the database")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single refresh tick and exit")

	acledFetchCmd.Flags().StringVar(&startDay, "start", "", "Window start day (YYYY-MM-DD)")
	acledFetchCmd.Flags().StringVar(&endDay, "end", "", "Window end day (YYYY-MM-DD)")
	gdeltFetchCmd.Flags().StringVar(&startDay, "start", "", "Window start day (YYYY-MM-DD)")
	gdeltFetchCmd.Flags().StringVar(&endDay, "end", "", "Window end day (YYYY-MM-DD)")

	countriesAddAliasCmd.Flags().StringVar(&aliasCode, "code", "", "ISO 3166-1 alpha-2 code the alias resolves to")
	_ = countriesAddAliasCmd.MarkFlagRequired("code")
	countriesBackfillCmd.Flags().StringVar(&sourceName, "source", "", "Limit backfill to one source (ACLED, GDELT, ACLED_LEGACY)")
	countriesMissesCmd.Flags().IntVar(&missLimit, "limit", 50, "Maximum number of misses to show")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(acledCmd)
	rootCmd.AddCommand(gdeltCmd)
	rootCmd.AddCommand(countriesCmd)
	rootCmd.AddCommand(viewsCmd)
	rootCmd.AddCommand(legacyCmd)

	acledCmd.AddCommand(acledFetchCmd)
	acledCmd.AddCommand(acledLoadFileCmd)
	gdeltCmd.AddCommand(gdeltFetchCmd)
	countriesCmd.AddCommand(countriesAddAliasCmd)
	countriesCmd.AddCommand(countriesBackfillCmd)
	countriesCmd.AddCommand(countriesMissesCmd)
	viewsCmd.AddCommand(viewsRebuildCmd)
	viewsCmd.AddCommand(viewsSetStructuralCmd)
	legacyCmd.AddCommand(legacyMigrateCmd)
}

func main() {
	// Add version command last so it appears after auto-generated commands
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
