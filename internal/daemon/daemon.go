// Package daemon wires the long-running statsbot service: it builds the
// shared core, connects the Discord bot and serves metrics until signalled.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/discord"
	"github.com/harun/statsbot/internal/logger"
	"github.com/harun/statsbot/internal/observability"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/harun/statsbot/pkg/agent"
	"github.com/harun/statsbot/pkg/commandqueue"
	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds how long Stop waits for in-flight interactions.
const ShutdownTimeout = 30 * time.Second

// Bot is the chat front end the daemon drives. *discord.Bot satisfies it.
type Bot interface {
	Start() error
	Stop(ctx context.Context) error
}

// newBot builds the chat front end; tests replace it.
var newBot = func(cfg config.DiscordConfig, runner *agent.Runner, log zerolog.Logger) (Bot, error) {
	bot, err := discord.New(discord.Config{
		Token:          cfg.Token,
		GuildID:        cfg.GuildID,
		CommandName:    cfg.CommandName,
		FollowupWindow: cfg.FollowupWindow,
	}, runner, log)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Status describes the daemon state
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	Tables    int           `json:"tables"`

	Queue map[string]commandqueue.LaneStats `json:"queue,omitempty"`
}

// Daemon represents the statsbot service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	core    *Core
	bot     Bot
	metrics *observability.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	stopped   chan struct{}

	tracingEnabled bool
}

// New creates a new daemon instance. Construction follows the dependency
// order: database, catalog, prompt, agent, bot.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(config.ServeRequirements); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		stopped: make(chan struct{}),
	}

	if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.shutdownTracing()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	core, err := LoadCore(ctx, cfg, log.GetZerolog())
	if err != nil {
		d.cleanup()
		return nil, err
	}
	d.core = core

	if err := core.BuildAgent(cfg, log.GetZerolog()); err != nil {
		d.cleanup()
		return nil, err
	}

	bot, err := newBot(cfg.Discord, core.Runner, log.GetZerolog())
	if err != nil {
		d.cleanup()
		return nil, fmt.Errorf("failed to create discord bot: %w", err)
	}
	d.bot = bot

	if cfg.Metrics.Addr != "" {
		d.metrics = observability.NewServer(cfg.Metrics.Addr, log.GetZerolog())
		d.metrics.SetStatus(func() any { return d.Status() })
	}

	return d, nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	logger := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting statsbot daemon")

	if d.metrics != nil {
		if err := d.metrics.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := d.bot.Start(); err != nil {
		if d.metrics != nil {
			_ = d.metrics.Stop(context.Background())
		}
		return fmt.Errorf("failed to start discord bot: %w", err)
	}

	if d.metrics != nil {
		d.metrics.SetReady(true)
	}

	d.running = true
	d.startTime = time.Now()

	logger.Info().
		Str("guild_id", d.config.Discord.GuildID).
		Str("model", d.config.LLM.Model).
		Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping statsbot daemon")

	if d.metrics != nil {
		d.metrics.SetReady(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := d.bot.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop discord bot")
	}

	if d.metrics != nil {
		if err := d.metrics.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.cleanup()
	close(d.stopped)

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// cleanup releases the core, tracing and the audit log.
func (d *Daemon) cleanup() {
	if d.core != nil {
		if err := d.core.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close core")
		}
	}
	d.shutdownTracing()
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Tables:  len(d.core.Catalog.Tables()),
	}
	if d.core.Queue != nil {
		status.Queue = d.core.Queue.Stats()
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon. It returns
// early if the daemon is stopped some other way.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := d.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-d.stopped:
	}
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metrics == nil {
		return ""
	}
	return d.metrics.Addr()
}
