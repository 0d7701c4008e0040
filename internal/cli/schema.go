package cli

import (
	"fmt"

	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/daemon"
	"github.com/spf13/cobra"
)

var schemaPrompt bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the schema the model is grounded in",
	Long: `Open the database read-only and print the table definitions and the
data freshness marker exactly as the model will see them.`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaPrompt, "prompt", false, "print the full system prompt instead")
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.Requirements{})
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	core, err := daemon.LoadCore(cmd.Context(), cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer core.Close()

	out := cmd.OutOrStdout()
	if schemaPrompt {
		fmt.Fprintln(out, core.Prompt.String())
		return nil
	}

	fmt.Fprintln(out, core.Catalog.Render())
	if core.Freshness.Known {
		fmt.Fprintf(out, "\n-- %s.%s: %s\n", core.Freshness.Table, core.Freshness.Column, core.Freshness.Value)
	} else {
		fmt.Fprintln(out, "\n-- data freshness unknown")
	}
	return nil
}
