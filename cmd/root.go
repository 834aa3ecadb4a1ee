package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/config"
	"github.com/andresmejia3/bodytrack/internal/store"
	"github.com/andresmejia3/bodytrack/internal/utils"
)

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration, valid once PersistentPreRunE has run
	Cfg *config.Config

	// dbURL is the connection string
	dbURL   string
	cfgPath string
)

// Version is the application version.
const Version = "0.1.0"

// defaultConfigFile is read when present and no --config was given.
const defaultConfigFile = "bodytrack.yaml"

// annotationNoDB marks commands that never touch the database.
const annotationNoDB = "bodytrack/no-db"

var rootCmd = &cobra.Command{
	Use:     "bodytrack",
	Short:   "Skeletal body tracking with presence events",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			if _, err := os.Stat(defaultConfigFile); err == nil {
				path = defaultConfigFile
			}
		}
		var err error
		Cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := utils.InitLogger(Cfg.Log.Mode, Cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		utils.Logger.Debug("configuration loaded", zap.String("path", path))

		if !needsDB(cmd) {
			return nil
		}

		url := resolveDBURL(dbURL, Cfg.Database.URL, os.Getenv)
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		utils.Sync()
	},
}

// needsDB reports whether cmd talks to PostgreSQL on this invocation.
func needsDB(cmd *cobra.Command) bool {
	if _, ok := cmd.Annotations[annotationNoDB]; ok {
		return false
	}
	if f := cmd.Flags().Lookup("no-store"); f != nil && f.Value.String() == "true" {
		return false
	}
	return true
}

// resolveDBURL picks the connection string: the --db flag, then the config
// file, then the POSTGRES_* environment, then a local default.
func resolveDBURL(flag, configured string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		user := getenv("POSTGRES_USER")
		pass := getenv("POSTGRES_PASSWORD")
		name := getenv("POSTGRES_DB")
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/bodytrack"
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/bodytrack)")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config (default: ./bodytrack.yaml when present)")
}
