package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mendezjerick/riceforecast/internal/config"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/logger"
	"github.com/mendezjerick/riceforecast/internal/server"
	"github.com/mendezjerick/riceforecast/internal/service"
	"github.com/mendezjerick/riceforecast/internal/store"
	tel "github.com/mendezjerick/riceforecast/pkg/otel"
)

var (
	// Global flags
	configFile string
	verbose    bool
	jsonOutput bool

	// Forecast request
	months      int
	targetYear  int
	targetMonth int
	step        int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ricecast",
		Short: "Regional rice price forecasting and advisories",
		Long: `Trains monthly rice price models per region, forecasts prices
autoregressively and derives rule-based advisories from the forecasts.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("RICECAST_CONFIG"), "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")

	// Subcommands
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(adviseCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(overviewCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(storeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the configured service for one command invocation.
type env struct {
	cfg    *config.Config
	log    *logrus.Logger
	svc    *service.Service
	closer func()
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tp, err := tel.InitTracer(ctx, &cfg.Telemetry)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	svc, err := service.New(ctx, cfg, log, nil)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	return &env{
		cfg: cfg,
		log: log,
		svc: svc,
		closer: func() {
			if err := svc.Close(); err != nil {
				log.Errorf("Error closing store: %v", err)
			}
			if err := tel.Shutdown(context.Background(), tp); err != nil {
				log.Errorf("Error shutting down tracer: %v", err)
			}
			logCloser.Close()
		},
	}, nil
}

// trainCmd fits the candidates and saves the selected model
func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train and evaluate every candidate, saving the best as the latest model",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.closer()

			art, err := e.svc.Train(cmd.Context())
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			if jsonOutput {
				return printJSON(art.MetricsRecord())
			}

			fmt.Printf("=== Training Run ===\n")
			fmt.Printf("Model version: %s\n", art.Version)
			fmt.Printf("Last observed: %s\n", art.LastObserved)
			fmt.Printf("Rows: %d train, %d holdout (from %s)\n", art.TrainRows, art.HoldoutRows, art.HoldoutStart)
			fmt.Printf("\n%-22s %10s %10s %10s %12s\n", "CANDIDATE", "CV RMSE", "± STD", "CV R2", "HOLDOUT RMSE")
			for _, ev := range art.Evaluations {
				marker := ""
				if ev.Candidate.Name == art.Selected.Name {
					marker = " *"
				}
				fmt.Printf("%-22s %10.4f %10.4f %10.4f %12.4f%s\n",
					ev.Candidate.Name, ev.CVRMSE, ev.CVRMSEStd, ev.CVR2, ev.HoldoutRMSE, marker)
			}
			fmt.Printf("%-22s %10s %10s %10s %12.4f\n", "naive (last price)", "-", "-", "-", art.NaiveHoldoutRMSE)
			fmt.Printf("\nSelected: %s\n", art.Selected.Name)
			return nil
		},
	}
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&months, "months", 1, "Number of sequential months to generate (1-24)")
	cmd.Flags().IntVar(&targetYear, "target-year", 0, "Year of the target month")
	cmd.Flags().IntVar(&targetMonth, "target-month", 0, "Month (1-12) of the target month")
}

func requestFromFlags(cmd *cobra.Command) forecast.Request {
	req := forecast.Request{Months: months}
	if cmd.Flags().Changed("target-year") {
		y := targetYear
		req.TargetYear = &y
	}
	if cmd.Flags().Changed("target-month") {
		m := targetMonth
		req.TargetMonth = &m
	}
	return req
}

// forecastCmd prints forecasts from the latest model
func forecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast regional prices with the latest model",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.closer()

			resp, err := e.svc.Forecast(cmd.Context(), requestFromFlags(cmd))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}

			fmt.Printf("Model %s, latest observation %s, %d month(s) generated\n\n",
				resp.ModelVersion, resp.LatestObservation, resp.MonthsGenerated)
			fmt.Printf("%-4s %-12s %-28s %10s %10s %9s\n", "STEP", "MONTH", "REGION", "CURRENT", "FORECAST", "CHANGE")
			for _, r := range resp.Results {
				fmt.Printf("%-4d %-12s %-28s %10.2f %10.2f %8.2f%%\n",
					r.Step, r.ForecastDate, r.Region, r.CurrentPrice, r.ForecastPrice, r.PctChange*100)
			}
			return nil
		},
	}
	addRequestFlags(cmd)
	return cmd
}

// adviseCmd prints advisories for one forecast step
func adviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advise",
		Short: "Derive advisories from a forecast step",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.closer()

			resp, err := e.svc.Advise(cmd.Context(), requestFromFlags(cmd), step)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}

			fmt.Printf("Advisories for %s (step %d), national mean %.2f ± %.2f\n\n",
				resp.ForecastDate, resp.Step, resp.NationalMean, resp.NationalStd)
			if resp.ResultCount == 0 {
				fmt.Println("No advisories fired.")
				return nil
			}
			for _, a := range resp.Results {
				fmt.Printf("[%s] %s %v\n  %s\n", a.Region, a.RuleName, a.SDGTags, a.Message)
			}
			return nil
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().IntVar(&step, "step", 0, "Forecast step to advise on (default: target step or 1)")
	return cmd
}

// modelsCmd lists stored artifacts
func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List trained model artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.closer()

			entries, err := e.svc.Models()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No trained models. Run 'ricecast train' first.")
				return nil
			}
			for _, en := range entries {
				latest := ""
				if en.Latest {
					latest = " (latest)"
				}
				fmt.Printf("%s  %-20s  signed=%-5v  sha256=%s%s\n",
					en.Version, en.Selected, en.Signed, en.Digest[:12], latest)
			}
			return nil
		},
	}
}

// overviewCmd summarises the price history
func overviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Summarise the loaded price history",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.closer()

			ov, err := e.svc.Overview(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ov)
			}
			fmt.Printf("Records: %d\n", ov.Records)
			fmt.Printf("Regions: %d\n", ov.Regions)
			fmt.Printf("Span: %s to %s\n", ov.FirstMonth, ov.LastMonth)
			fmt.Printf("Latest national price: %.2f\n", ov.LatestNationalPrice)
			return nil
		},
	}
}

// serveCmd runs the HTTP API
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve forecasts and advisories over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.closer()

			return server.New(e.svc, e.cfg.Server, e.log, nil).ListenAndServe(ctx)
		},
	}
}

// storeCmd maintains the forecast-run store
func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the forecast-run store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), func(ctx context.Context, pg *store.PostgresStore) error {
				if err := pg.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Println("Schema is up to date.")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired Postgres records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), func(ctx context.Context, pg *store.PostgresStore) error {
				n, err := pg.CleanupExpired(ctx)
				if err != nil {
					return fmt.Errorf("cleanup failed: %w", err)
				}
				fmt.Printf("Deleted %d expired record(s).\n", n)
				return nil
			})
		},
	})
	return cmd
}

func withPostgres(ctx context.Context, fn func(context.Context, *store.PostgresStore) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("store backend is %q; store commands need postgres", cfg.Store.Backend)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	return fn(ctx, pg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
