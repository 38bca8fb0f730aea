package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/channel"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/conflict"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/stock"
)

const shutdownTimeout = 30 * time.Second

var (
	cfg *config.Config
	log zerolog.Logger

	scanProduct      string
	scanLocation     string
	scanMinShortfall int64
	scanBackorderMax int64

	stockLocation string
	stockVariant  string
	stockHistory  int
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Append-only inventory ledger",
	Long: `ledgerd records stock movements per product, location and variant,
derives balances from the ledger and surfaces oversold (negative) balances
for resolution.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		// stdout is reserved for command output
		log = logger.NewWithWriter(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel}, os.Stderr)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and background workers",
	RunE:  runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List negative balances",
	Long: `scan recomputes conflicts from the ledger and prints them. With
--backorder-max it also backorders every shortfall up to that size.`,
	RunE: runScan,
}

var stockCmd = &cobra.Command{
	Use:   "stock <product>",
	Short: "Print the current balance of a product",
	Args:  cobra.ExactArgs(1),
	RunE:  runStock,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanProduct, "product", "", "Only this product")
	scanCmd.Flags().StringVar(&scanLocation, "location", "", "Only this location")
	scanCmd.Flags().Int64Var(&scanMinShortfall, "min-shortfall", 0, "Hide conflicts smaller than this")
	scanCmd.Flags().Int64Var(&scanBackorderMax, "backorder-max", 0, "Backorder shortfalls up to this many units")

	rootCmd.AddCommand(stockCmd)
	stockCmd.Flags().StringVar(&stockLocation, "location", "", "Location (default: all locations)")
	stockCmd.Flags().StringVar(&stockVariant, "variant", "*", `Variant key, "*" for all or "-" for the base product`)
	stockCmd.Flags().IntVar(&stockHistory, "history", 0, "Also print the last N movements")

	rootCmd.AddCommand(migrateCmd)
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, release, err := buildHandler(ctx)
	if err != nil {
		return err
	}
	defer release()

	h.Demo = cfg.App.Env == "development"
	h.Scheduler.Interval = cfg.Conflict.ScanInterval
	if cfg.Conflict.BackorderMax > 0 {
		h.Scheduler.Policy = conflict.BackorderPolicy{MaxShortfall: cfg.Conflict.BackorderMax, Actor: "scheduler"}
	}
	h.Scheduler.Start()
	defer h.Scheduler.Stop()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Bool("demo", h.Demo).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Kafka.Enabled() {
		reader := channel.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		listener := channel.NewOrderListener(reader, h.Checkout, log)
		g.Go(func() error {
			defer reader.Close()
			return listener.Start(gctx)
		})
	}

	if cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			snapshotLoop(gctx, h.Snapshots, cfg.Snapshot.Interval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

// snapshotLoop snapshots every product until ctx is done.
func snapshotLoop(ctx context.Context, s *stock.Snapshotter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SnapshotAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("snapshot pass failed")
				continue
			}
			log.Debug().Int("snapshots", n).Msg("snapshot pass complete")
		}
	}
}

// buildHandler opens the store and cache and wires the domain services.
func buildHandler(ctx context.Context) (*api.Handler, func(), error) {
	store, closeStore, err := openBackend(ctx, cfg.Store, log)
	if err != nil {
		return nil, nil, err
	}
	balanceCache, closeCache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	h := api.NewHandler(store, balanceCache, log)
	h.Stock.StalenessBound = cfg.Cache.Staleness
	h.Snapshots.Settle = cfg.Snapshot.Settle

	return h, func() {
		closeCache()
		closeStore()
	}, nil
}

// =============================================================================
// SCAN / STOCK / MIGRATE
// =============================================================================

func runScan(cmd *cobra.Command, _ []string) error {
	h, release, err := buildHandler(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	filter := conflict.ScanFilter{
		ProductID:    stock.ProductID(scanProduct),
		LocationID:   stock.LocationID(scanLocation),
		MinShortfall: scanMinShortfall,
	}

	if scanBackorderMax > 0 {
		h.Scheduler.Filter = filter
		h.Scheduler.Policy = conflict.BackorderPolicy{MaxShortfall: scanBackorderMax, Actor: "ledgerd scan"}
		sum := h.Scheduler.RunNow(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "open=%d resolved=%d failed=%d\n", sum.Open, sum.Resolved, sum.Failed)
	}

	conflicts, err := h.Scanner.Scan(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tLOCATION\tVARIANT\tBALANCE\tREFERENCES")
	for _, c := range conflicts {
		v := string(c.Key.Variant)
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\n", c.Key.ProductID, c.Key.LocationID, v, c.Balance, c.References)
	}
	return tw.Flush()
}

func runStock(cmd *cobra.Command, args []string) error {
	vf, err := stock.ParseVariantFilter(stockVariant)
	if err != nil {
		return err
	}

	h, release, err := buildHandler(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	scope := stock.Scope{
		ProductID:  stock.ProductID(args[0]),
		LocationID: stock.LocationID(stockLocation),
		Variant:    vf,
	}
	qty, err := h.Stock.CurrentStock(cmd.Context(), scope)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), qty)

	if stockHistory <= 0 {
		return nil
	}
	entries, err := h.Stock.History(cmd.Context(), scope, stockHistory)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tLOCATION\tVARIANT\tDELTA\tREASON\tREFERENCE\tBALANCE")
	for _, e := range entries {
		m := e.Movement
		fmt.Fprintf(tw, "%d\t%s\t%s\t%+d\t%s\t%s\t%d\n", m.Seq, m.LocationID, m.Variant, m.Delta, m.Reason, m.ReferenceDoc, e.Balance)
	}
	return tw.Flush()
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	store, release, err := openBackend(cmd.Context(), cfg.Store, log)
	if err != nil {
		return err
	}
	defer release()

	m, ok := store.(migrator)
	if !ok {
		log.Info().Str("driver", cfg.Store.Driver).Msg("nothing to migrate")
		return nil
	}
	if err := m.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("schema up to date")
	return nil
}
