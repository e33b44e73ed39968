package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/service"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/store/mysql"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	// Repo is the repository shared by subcommands.
	Repo store.Repository
	// Cfg is the loaded configuration after flag overrides.
	Cfg *config.Config
	Log *logrus.Logger

	configPath string
	dbURL      string
	dbDriver   string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face-recognition attendance from classroom photos and video",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		if dbDriver != "" {
			Cfg.Database.Driver = dbDriver
		}
		if logLevel != "" {
			Cfg.Log.Level = logLevel
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Log = logging.New(Cfg.Log)

		if cmd.Annotations["db"] == "none" {
			return nil
		}
		Repo, err = openRepository(cmd.Context(), Cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Repo != nil {
			Repo.Close()
		}
	},
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.New(ctx, cfg.URL)
	case "memory":
		return memory.New(), nil
	default:
		return store.New(ctx, cfg.URL)
	}
}

// newService starts the face engine and event publisher on top of Repo.
// The returned function releases both.
func newService() (*service.Service, func()) {
	eng, err := engine.New(Cfg.Engine, Log)
	if err != nil {
		utils.Die("Failed to start face engine", err, nil)
	}
	pub, err := events.New(Cfg.MQTT, Log)
	if err != nil {
		Log.WithError(err).Warn("event publishing disabled")
		pub = events.Nop{}
	}
	svc := service.New(Cfg, Repo, eng, pub, Log)
	return svc, func() {
		pub.Close()
		if err := eng.Close(); err != nil {
			Log.WithError(err).Warn("face engine did not shut down cleanly")
		}
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database connection string (default: DATABASE_URL or POSTGRES_* variables)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "Database driver: postgres, mysql or memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}
