package cli

import (
	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Discord bot",
	Long: `Run the Discord bot in the foreground.
The database is opened read-only and its schema loaded once; the bot then
answers /query commands in the configured guild until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.ServeRequirements)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cmd.Context(), cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize daemon")
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}
	if addr := d.MetricsAddr(); addr != "" {
		log.Info().Str("addr", addr).Msg("Serving /healthz, /status and /metrics")
	}

	d.Wait()
	return nil
}
