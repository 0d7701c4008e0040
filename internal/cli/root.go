package cli

import (
	"fmt"
	"io"

	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	envFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "statsbot",
	Short: "statsbot - ask questions about your Discord community's activity",
	Long: `statsbot answers natural-language questions about community activity.
A language model writes read-only SQL against a DuckDB activity database,
runs it through a guarded connection and replies in Discord.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); environment variables override it")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig resolves configuration from the global flags and validates it
// against what the command needs.
func loadConfig(req config.Requirements) (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).WithEnvFile(envFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger, masking every configured secret.
func newLogger(cfg *config.Config, out io.Writer) (*logger.Logger, error) {
	format := "json"
	if cfg.Logging.Pretty {
		format = "console"
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    format,
		File:      cfg.Logging.File,
		Redaction: cfg.Logging.Redaction,
		Secrets:   cfg.Secrets(),
		Out:       out,
	})
}
