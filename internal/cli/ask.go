package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/daemon"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/harun/statsbot/pkg/agent"
	"github.com/spf13/cobra"
)

// ErrAskFailed is returned when the agent could not answer.
var ErrAskFailed = errors.New("question could not be answered")

var (
	askJSON    bool
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the terminal",
	Long: `Answer one question without Discord, using the same database guard,
schema prompt and model loop as the bot.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full result, including the query transcript, as JSON")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print each query the model ran")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.AskRequirements)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	core, err := daemon.LoadCore(ctx, cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.BuildAgent(cfg, log.GetZerolog()); err != nil {
		return err
	}

	res, runErr := core.Runner.Run(ctx, agent.Request{
		Question:      strings.Join(args, " "),
		CorrelationID: tracing.NewCorrelationID(),
		Actor:         "cli",
	})

	out := cmd.OutOrStdout()

	if askJSON {
		payload := struct {
			agent.Result
			Error string `json:"error,omitempty"`
		}{Result: res}
		if runErr != nil {
			payload.Error = runErr.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		if askVerbose {
			for _, inv := range res.Transcript {
				fmt.Fprintf(out, "[%d] %s (%s, attempt %d)\n", inv.Turn, inv.SQL, inv.Kind, inv.Attempt)
			}
		}
		if runErr != nil {
			fmt.Fprintln(out, agent.UserMessage(runErr))
		} else {
			fmt.Fprintln(out, res.Answer)
		}
		if askVerbose {
			fmt.Fprintf(out, "\n%d turns, %d tokens in, %d tokens out, %s\n",
				res.Turns, res.Usage.InputTokens, res.Usage.OutputTokens, formatDuration(res.Duration))
		}
	}

	if runErr != nil {
		return fmt.Errorf("%w: %w", ErrAskFailed, runErr)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
