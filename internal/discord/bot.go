package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Config holds bot configuration
type Config struct {
	Token          string
	GuildID        string
	CommandName    string
	FollowupWindow time.Duration
}

// Bot represents a Discord bot instance serving one guild.
type Bot struct {
	session *discordgo.Session
	config  Config
	handler *Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	running       bool
	removeHandler func()
	inflight      sync.WaitGroup
}

// New creates a new Discord bot instance. It does not connect.
func New(cfg Config, asker Asker, logger zerolog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.GuildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if asker == nil {
		return nil, fmt.Errorf("asker is required")
	}
	if cfg.CommandName == "" {
		cfg.CommandName = "query"
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	log := logger.With().Str("component", "discord").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Bot{
		session: session,
		config:  cfg,
		handler: NewHandler(HandlerConfig{
			CommandName:    cfg.CommandName,
			FollowupWindow: cfg.FollowupWindow,
			Asker:          asker,
			Responder:      &sessionResponder{session: session},
			Logger:         log,
		}),
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects to the gateway and registers the guild command set.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Discord bot")

	b.removeHandler = b.session.AddHandler(func(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
		b.dispatch(ic.Interaction)
	})

	if err := b.session.Open(); err != nil {
		b.removeHandler()
		return fmt.Errorf("failed to open gateway session: %w", err)
	}

	appID := b.session.State.User.ID
	commands, err := b.session.ApplicationCommandBulkOverwrite(appID, b.config.GuildID,
		[]*discordgo.ApplicationCommand{QueryCommand(b.config.CommandName)})
	if err != nil {
		b.removeHandler()
		_ = b.session.Close()
		return fmt.Errorf("failed to register commands: %w", err)
	}

	b.running = true

	b.logger.Info().
		Str("username", b.session.State.User.Username).
		Str("guild_id", b.config.GuildID).
		Int("commands", len(commands)).
		Msg("Discord bot started")

	return nil
}

// dispatch runs the handler for one interaction on its own goroutine.
func (b *Bot) dispatch(i *discordgo.Interaction) {
	if !b.handler.Accepts(i) {
		return
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.handler.window)
		defer cancel()
		b.handler.Handle(ctx, i)
	}()
}

// Stop stops accepting interactions, waits for in-flight ones until ctx
// ends, then disconnects.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Discord bot")
	b.removeHandler()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn().Msg("Abandoning in-flight interactions")
		b.cancel()
		<-done
	}
	b.cancel()

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("failed to close gateway session: %w", err)
	}

	b.logger.Info().Msg("Discord bot stopped")
	return nil
}

// sessionResponder answers interactions through the REST API.
type sessionResponder struct {
	session *discordgo.Session
}

func (r *sessionResponder) Defer(ctx context.Context, i *discordgo.Interaction) error {
	err := r.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to defer interaction: %w", err)
	}
	return nil
}

func (r *sessionResponder) FollowUp(ctx context.Context, i *discordgo.Interaction, content string) error {
	_, err := r.session.FollowupMessageCreate(i, false, &discordgo.WebhookParams{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send follow-up: %w", err)
	}
	return nil
}
