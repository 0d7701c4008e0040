package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/harun/statsbot/internal/observability"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/harun/statsbot/pkg/agent"
	"github.com/rs/zerolog"
)

// DefaultFollowupWindow is how long Discord accepts follow-ups for an
// interaction token.
const DefaultFollowupWindow = 15 * time.Minute

// Interaction outcomes, used as metric labels.
const (
	outcomeAnswered       = "answered"
	outcomeFailed         = "failed"
	outcomeDeferFailed    = "defer_failed"
	outcomeFollowupFailed = "followup_failed"
	outcomeExpired        = "expired"
)

// Asker answers a question. *agent.Runner satisfies it.
type Asker interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Responder delivers the two halves of a deferred interaction response.
type Responder interface {
	// Defer sends the non-final acknowledgement.
	Defer(ctx context.Context, i *discordgo.Interaction) error
	// FollowUp sends the final message.
	FollowUp(ctx context.Context, i *discordgo.Interaction, content string) error
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	CommandName    string
	FollowupWindow time.Duration
	Asker          Asker
	Responder      Responder
	Logger         zerolog.Logger
}

// Handler turns command interactions into agent runs.
type Handler struct {
	commandName string
	window      time.Duration
	asker       Asker
	responder   Responder
	logger      zerolog.Logger

	now func() time.Time
}

// NewHandler creates a new interaction handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.FollowupWindow <= 0 {
		cfg.FollowupWindow = DefaultFollowupWindow
	}
	return &Handler{
		commandName: cfg.CommandName,
		window:      cfg.FollowupWindow,
		asker:       cfg.Asker,
		responder:   cfg.Responder,
		logger:      cfg.Logger.With().Str("module", "handler").Logger(),
		now:         time.Now,
	}
}

// Accepts reports whether i is an invocation of the handled command.
func (h *Handler) Accepts(i *discordgo.Interaction) bool {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return false
	}
	return i.ApplicationCommandData().Name == h.commandName
}

// Handle answers one interaction. It acknowledges first, then runs the
// agent, then sends exactly one follow-up unless the interaction expired.
func (h *Handler) Handle(ctx context.Context, i *discordgo.Interaction) {
	if !h.Accepts(i) {
		return
	}

	received := h.now()
	done := observability.TrackInteraction()
	defer done()

	correlationID := tracing.NewCorrelationID()
	ctx = tracing.WithInteractionID(ctx, i.ID)
	ctx = tracing.WithCorrelationID(ctx, correlationID)
	logger := tracing.LoggerFromContext(ctx, h.logger)

	if err := h.responder.Defer(ctx, i); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge interaction")
		observability.RecordInteraction(outcomeDeferFailed)
		return
	}

	question := questionFrom(i.ApplicationCommandData())
	logger.Debug().
		Str("actor", actorFrom(i)).
		Str("guild_id", i.GuildID).
		Int("question_len", len(question)).
		Msg("Question received")

	res, err := h.asker.Run(ctx, agent.Request{
		Question:      question,
		CorrelationID: correlationID,
		Actor:         actorFrom(i),
	})

	if ctx.Err() != nil || h.now().Sub(received) >= h.window {
		logger.Warn().
			Err(err).
			Dur("elapsed", h.now().Sub(received)).
			Msg("Interaction expired before the answer was ready, skipping follow-up")
		observability.RecordInteraction(outcomeExpired)
		return
	}

	outcome := outcomeAnswered
	content := res.Answer
	if err != nil {
		outcome = outcomeFailed
		content = agent.UserMessage(err)
	}

	if err := h.responder.FollowUp(ctx, i, Truncate(content, MaxMessageLength)); err != nil {
		logger.Error().Err(err).Msg("Failed to send follow-up")
		observability.RecordInteraction(outcomeFollowupFailed)
		return
	}

	observability.RecordInteraction(outcome)
	logger.Info().
		Str("outcome", outcome).
		Int("turns", res.Turns).
		Int("tool_calls", len(res.Transcript)).
		Dur("elapsed", h.now().Sub(received)).
		Msg("Interaction answered")
}
