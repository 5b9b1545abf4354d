package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dokzlo13/groupd/internal/app"
	"github.com/dokzlo13/groupd/internal/config"
	"github.com/dokzlo13/groupd/internal/db"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "groupd",
		Short:         "Virtual device groups over a shared device backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(newServeCmd(&configPath), newGroupsCmd(&configPath), newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var resetState bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the group engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Setup logging
			setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

			log.Info().Str("config", *configPath).Str("version", version).Msg("Starting groupd")

			// Create application
			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			// Create context that cancels on shutdown signal
			ctx := app.SignalContext()

			// Handle reset state flag
			if resetState {
				log.Info().Msg("Clearing stored groups (--reset-state)")
				if err := application.ResetState(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to clear stored groups")
				}
			}

			// Start the application
			if err := application.Start(ctx); err != nil {
				_ = application.Stop()
				return fmt.Errorf("failed to start application: %w", err)
			}

			// Wait for shutdown
			application.Wait()

			// Graceful shutdown
			if err := application.Stop(); err != nil {
				log.Error().Err(err).Msg("Error during shutdown")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetState, "reset-state", false, "Remove stored groups and group values on startup")
	return cmd
}

func newGroupsCmd(configPath *string) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List stored groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging("warn", false, false)
			if noColor {
				color.NoColor = true
			}

			conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			records, versions, err := storage.NewTypedStore[group.Record](storage.NewStore(conn.DB), storage.KindGroup).GetAll(ctx)
			if err != nil {
				return err
			}
			printGroups(records, versions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func printGroups(records map[string]group.Record, versions map[string]int64) {
	if len(records) == 0 {
		fmt.Println("No groups stored")
		return
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return records[ids[i]].Name < records[ids[j]].Name })

	for _, id := range ids {
		rec := records[id]
		members := green
		switch {
		case len(rec.Devices) == 0:
			members = red
		case len(rec.Devices) == 1:
			members = yellow
		}
		fmt.Printf("%s %s  %s  %s  %s\n",
			bold.Sprint(rec.Name),
			gray.Sprintf("(%s)", id),
			rec.Class,
			members.Sprintf("%d members", len(rec.Devices)),
			gray.Sprintf("v%d/rev %d", rec.Version, versions[id]),
		)
		for _, capability := range rec.Capabilities {
			fmt.Printf("    %-20s %-8s %s\n", capability, rec.Settings.Methods[capability],
				gray.Sprintf("%d supporting", len(rec.Supported[capability])))
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		// JSON output for production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
