package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/pkg/agent"
	"github.com/harun/statsbot/pkg/catalog"
	"github.com/harun/statsbot/pkg/commandqueue"
	"github.com/harun/statsbot/pkg/sqltool"
	"github.com/harun/statsbot/pkg/warehouse"
	"github.com/rs/zerolog"
)

// Core is the immutable, process-wide state every request shares. It is
// built in two phases: LoadCore grounds the prompt in the database, then
// BuildAgent wires the model loop on top.
type Core struct {
	DB        *warehouse.DB
	Catalog   *catalog.Catalog
	Freshness catalog.Freshness
	Prompt    agent.SystemPrompt

	Queue  *commandqueue.CommandQueue
	Tool   *sqltool.Tool
	Runner *agent.Runner
}

// newProvider builds the model client; tests replace it.
var newProvider = func(cfg config.LLMConfig) agent.LLMProvider {
	return agent.NewOpenAIProvider(agent.OpenAIConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		SessionField:   cfg.SessionField,
		RequestTimeout: cfg.RequestTimeout,
	})
}

// LoadCore opens the database read-only, introspects its schema and the
// freshness marker, and renders the system prompt. Any failure aborts
// startup: without a schema the model cannot be grounded.
func LoadCore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	strictness, err := agent.ParseStrictness(cfg.Agent.Strictness)
	if err != nil {
		return nil, err
	}

	db, err := warehouse.Open(ctx, warehouse.Options{
		Path:     cfg.DBPath,
		MaxConns: cfg.Query.Concurrency,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load schema catalog: %w", err)
	}

	fresh, err := catalog.LoadFreshness(ctx, db, cfg.Query.MetaTable, cfg.Query.MetaColumn)
	if err != nil {
		// The marker only decorates the prompt; a missing one is not fatal.
		logger.Warn().Err(err).
			Str("table", cfg.Query.MetaTable).
			Str("column", cfg.Query.MetaColumn).
			Msg("Failed to read data freshness, continuing without it")
		fresh = catalog.Freshness{Table: cfg.Query.MetaTable, Column: cfg.Query.MetaColumn}
	}

	if parsed := catalog.ParseTableNames(cat.Render()); !slices.Equal(parsed, cat.TableNames()) {
		logger.Warn().
			Strs("tables", cat.TableNames()).
			Strs("rendered", parsed).
			Msg("Rendered schema does not name every table")
	}

	prompt := agent.BuildSystemPrompt(agent.PromptParams{
		Schema:     cat.Render(),
		Freshness:  fresh,
		Strictness: strictness,
	})

	logger.Info().
		Strs("tables", cat.TableNames()).
		Str("last_updated", fresh.Value).
		Str("strictness", string(strictness)).
		Msg("Schema catalog loaded")

	return &Core{
		DB:        db,
		Catalog:   cat,
		Freshness: fresh,
		Prompt:    prompt,
	}, nil
}

// BuildAgent wires the query lane, SQL tool and runner.
func (c *Core) BuildAgent(cfg *config.Config, logger zerolog.Logger) error {
	if c.Runner != nil {
		return errors.New("agent already built")
	}

	c.Queue = commandqueue.New(
		commandqueue.WithLane(sqltool.DefaultLane, cfg.Query.Concurrency),
		commandqueue.WithLogger(logger),
	)

	tool, err := sqltool.New(sqltool.Config{
		Executor:   c.DB,
		Queue:      c.Queue,
		Lane:       sqltool.DefaultLane,
		MaxRetries: cfg.Agent.ToolRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	c.Tool = tool

	runner, err := agent.NewRunner(agent.Config{
		Provider:       newProvider(cfg.LLM),
		Tool:           tool,
		SystemPrompt:   c.Prompt,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxTurns:       cfg.Agent.MaxTurns,
		RunTimeout:     cfg.Agent.RunTimeout,
		LLMMaxAttempts: cfg.LLM.MaxAttempts,
		LLMRetryDelay:  cfg.LLM.RetryDelay,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	c.Runner = runner

	return nil
}

// Close releases the queue, then the database.
func (c *Core) Close() error {
	var errs []error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close command queue: %w", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
