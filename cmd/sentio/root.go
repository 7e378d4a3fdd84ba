package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio"
	"github.com/hyperengineering/sentio/internal/logging"
	"github.com/hyperengineering/sentio/internal/postgres"
)

var (
	cfgDBPath      string
	cfgSite        string
	cfgFile        string
	cfgDriver      string
	cfgPostgresDSN string
	cfgLogLevel    string
	outputJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "sentio",
	Short: "Sentio - classifier threshold calibration",
	Long: `Sentio stages healthy/sick predictions for human review and tunes the
decision threshold of each modality from the feedback.

Predictions near the threshold that a reviewer validates feed a rolling
window; once it is full Sentio suggests a new threshold, which an operator
applies explicitly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !outputJSON {
			fmt.Fprintln(cmd.OutOrStdout(), renderBannerWithTagline())
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgDBPath, "db-path", "", "Path to the SQLite database (default: derived from site)")
	flags.StringVar(&cfgSite, "site", "", "Deployment site (default: $SENTIO_SITE or 'default')")
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.StringVar(&cfgDriver, "driver", "", "Storage driver: sqlite or postgres")
	flags.StringVar(&cfgPostgresDSN, "postgres-dsn", "", "Postgres connection string")
	flags.StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig layers defaults or --config, then environment, then flags.
func loadConfig() (sentio.Config, error) {
	cfg := sentio.DefaultConfig()
	if cfgFile != "" {
		fileCfg, err := sentio.LoadConfigFile(cfgFile)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}

	// Left at their defaults, site and path are resolved by the client so
	// that SENTIO_SITE or --site picks the database.
	defaults := sentio.DefaultConfig()
	if cfg.DBPath == defaults.DBPath {
		cfg.DBPath = ""
	}
	if cfg.Site == defaults.Site {
		cfg.Site = ""
	}
	if cfg.LogLevel == defaults.LogLevel {
		cfg.LogLevel = ""
	}

	cfg = cfg.Merge(sentio.ConfigFromEnv())
	return cfg.Merge(sentio.Config{
		DBPath:      cfgDBPath,
		Site:        cfgSite,
		Driver:      cfgDriver,
		PostgresDSN: cfgPostgresDSN,
		LogLevel:    cfgLogLevel,
	}), nil
}

// session bundles an open client with whatever it was built on.
type session struct {
	client   *sentio.Client
	log      *zap.Logger
	registry *prometheus.Registry
	cleanup  []func() error
}

func (s *session) Close() error {
	errs := []error{s.client.Close()}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, s.cleanup[i]())
	}
	_ = s.log.Sync()
	return errors.Join(errs...)
}

// openClient opens a client for an interactive command.
func openClient(ctx context.Context) (*session, error) {
	return openClientAt(ctx, "warn")
}

// openClientAt builds the logger and backend for the resolved config and
// opens a client over them. defaultLevel applies when no level is
// configured.
func openClientAt(ctx context.Context, defaultLevel string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if level == "" {
		level = defaultLevel
	}
	log, err := logging.New(logging.Config{Level: level, Format: "console"})
	if err != nil {
		return nil, err
	}

	s := &session{log: log, registry: prometheus.NewRegistry()}
	cfg.Logger = log
	cfg.Registerer = s.registry

	if cfg.Driver == sentio.DriverPostgres {
		if cfg.PostgresDSN == "" {
			return nil, &sentio.ValidationError{Field: "PostgresDSN", Message: "required when driver is postgres (set --postgres-dsn or SENTIO_POSTGRES_DSN)"}
		}
		db, err := postgres.Open(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		cfg.Backend = db
		s.cleanup = append(s.cleanup, db.Close)
	}

	client, err := sentio.New(cfg)
	if err != nil {
		for _, c := range s.cleanup {
			_ = c()
		}
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	s.client = client
	return s, nil
}

func parseModality(s string) (sentio.Modality, error) {
	m, err := sentio.ParseModality(s)
	if err != nil {
		return "", fmt.Errorf("%w (want vision or audio)", err)
	}
	return m, nil
}
