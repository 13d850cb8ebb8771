/*
main.go - Application entry point

PURPOSE:
  Starts the EVM engine server and offers one-shot commands against the
  same database. Handles configuration, dependency injection, and graceful
  shutdown.

COMMANDS:
  serve              HTTP API + planned baseline scheduler (default)
  metrics            Print the metric set of one node as JSON
  baseline create    Capture a baseline of a project
  import             Import a project document from a JSON file
  scenario           Load a demo scenario into the database

GLOBAL FLAGS:
  --config   YAML config file (optional; EVM_* env vars always apply)
  --db       SQLite database path, overrides db.path
             Use ":memory:" for in-memory database
  --addr     HTTP listen address, overrides server.http_addr

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the baseline scheduler (waits for a running capture pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server --db ./data/evm.db
  ./server metrics --level project --id scn-linear --date 2025-07-02
  ./server baseline create --project scn-linear --date 2025-06-30 --name "Q2 close"

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/evm-engine/api"
	"github.com/warp/evm-engine/config"
	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/factory"
	"github.com/warp/evm-engine/logger"
	"github.com/warp/evm-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd().ExecuteContext(context.Background())
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	addr       string
}

// app is what every command needs once config is loaded.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   *sqlite.Store
	handler *api.Handler
}

func (a *app) close() {
	a.store.Close()
	a.log.Sync()
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Earned value management engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (overrides db.path)")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "HTTP listen address (overrides server.http_addr)")

	root.AddCommand(
		newServeCmd(g),
		newMetricsCmd(g),
		newBaselineCmd(g),
		newImportCmd(g),
		newScenarioCmd(g),
	)
	return root
}

// setup loads config, builds the logger and opens the store.
func setup(g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.dbPath != "" {
		cfg.DB.Path = g.dbPath
	}
	if g.addr != "" {
		cfg.Server.HTTPAddr = g.addr
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if cfg.DB.Path != ":memory:" {
		if dir := filepath.Dir(cfg.DB.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	handler := api.NewHandler(store, api.Options{
		Logger:      log,
		Parallelism: cfg.Engine.Parallelism,
		Cache:       cfg.Engine.Cache,
	})

	return &app{cfg: cfg, log: log, store: store, handler: handler}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the baseline scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

func runServe(ctx context.Context, g *globalFlags) error {
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := api.NewBaselineScheduler(a.store, a.handler.Writer, a.log)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.Spec = a.cfg.Scheduler.Spec
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.Server.HTTPAddr,
		Handler:      api.NewRouter(a.handler, a.cfg.CORS.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", a.cfg.DB.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

// =============================================================================
// ONE-SHOT COMMANDS
// =============================================================================

func newMetricsCmd(g *globalFlags) *cobra.Command {
	var (
		level string
		id    string
		date  string
		live  bool
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the metric set of a project, WBE or cost element",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := evm.ParseLevel(level)
			if err != nil {
				return err
			}
			control, err := dateOrToday(date)
			if err != nil {
				return err
			}

			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			var reader evm.MetricsReader = a.handler.Resolver
			if live {
				reader = a.handler.Live
			}
			m, err := reader.Metrics(cmd.Context(), lvl, evm.EntityID(id), control)
			if err != nil {
				return err
			}
			return printJSON(cmd, api.ToMetricSetDTO(m))
		},
	}

	cmd.Flags().StringVar(&level, "level", "project", "Level (project|wbe|cost_element)")
	cmd.Flags().StringVar(&id, "id", "", "Entity ID")
	cmd.Flags().StringVar(&date, "date", "", "Control date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&live, "live", false, "Always compute, never read a baseline")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newBaselineCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage baselines",
	}
	cmd.AddCommand(newBaselineCreateCmd(g))
	return cmd
}

func newBaselineCreateCmd(g *globalFlags) *cobra.Command {
	var (
		projectID   string
		date        string
		name        string
		description string
		id          string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture a baseline of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			baselineDate, err := dateOrToday(date)
			if err != nil {
				return err
			}

			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.handler.Writer.Write(cmd.Context(), evm.CreateBaselineInput{
				ID:           evm.BaselineID(id),
				ProjectID:    evm.EntityID(projectID),
				Name:         name,
				Description:  description,
				BaselineDate: baselineDate,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline %s committed (%d rows)\n", snap.Baseline.ID, len(snap.Metrics))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project ID")
	cmd.Flags().StringVar(&date, "date", "", "Baseline date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&name, "name", "", "Baseline name")
	cmd.Flags().StringVar(&description, "description", "", "Baseline description")
	cmd.Flags().StringVar(&id, "id", "", "Baseline ID (generated when empty)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func newImportCmd(g *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a project document",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}

			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			bundle, err := a.handler.Factory.ParseProject(string(body))
			if err != nil {
				return err
			}
			if err := factory.Import(cmd.Context(), a.store, bundle); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s imported (%d WBEs, %d cost elements)\n",
				bundle.Project.ID, len(bundle.WBEs), len(bundle.CostElements))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Project JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newScenarioCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <id>",
		Short: "Reset the database and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.handler.LoadScenarioByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scenario %s loaded\n", args[0])
			return nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func dateOrToday(s string) (evm.TimePoint, error) {
	if s == "" {
		return evm.Today(), nil
	}
	return evm.ParseDate(s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
