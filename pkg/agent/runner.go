package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/statekit"
	"github.com/harun/statsbot/internal/observability"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/harun/statsbot/pkg/sqltool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxTurns   = 12
	DefaultRunTimeout = 5 * time.Minute
	DefaultRetryDelay = time.Second
)

// errPermanent marks provider errors the retrier must not repeat.
var errPermanent = errors.New("permanent provider error")

// Config holds runner configuration
type Config struct {
	Provider     LLMProvider
	Tool         *sqltool.Tool
	SystemPrompt SystemPrompt

	Model       string
	Temperature float64
	MaxTokens   int

	// MaxTurns caps model round trips per run.
	MaxTurns int
	// RunTimeout caps the wall clock of a run.
	RunTimeout time.Duration
	// LLMMaxAttempts is the number of tries per model call for transient
	// failures; 1 disables retry.
	LLMMaxAttempts int
	LLMRetryDelay  time.Duration

	Logger zerolog.Logger
}

// Runner answers questions by alternating model completions and SQL tool
// calls. It holds no per-run state and is safe for concurrent use.
type Runner struct {
	cfg     Config
	machine *statekit.MachineConfig[*machineContext]
	retrier retry.Retry[*LLMResponse]
	tools   []ToolSpec
	logger  zerolog.Logger
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Tool == nil {
		return nil, fmt.Errorf("sql tool is required")
	}
	if cfg.SystemPrompt.IsZero() {
		return nil, fmt.Errorf("system prompt is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.LLMMaxAttempts <= 0 {
		cfg.LLMMaxAttempts = 1
	}
	if cfg.LLMRetryDelay <= 0 {
		cfg.LLMRetryDelay = DefaultRetryDelay
	}

	machine, err := newSessionMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build session machine: %w", err)
	}

	def := cfg.Tool.Definition()

	return &Runner{
		cfg:     cfg,
		machine: machine,
		retrier: retry.New[*LLMResponse](retry.Config{
			MaxAttempts:        cfg.LLMMaxAttempts,
			InitialDelay:       cfg.LLMRetryDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{errPermanent},
		}),
		tools: []ToolSpec{{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.JSONSchema(),
		}},
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// session is the ephemeral state of one run. It is owned by the goroutine
// running it and never shared.
type session struct {
	req        Request
	machine    *sessionMachine
	messages   []AgentMessage
	transcript []ToolInvocation
	usage      TokenUsage
	turns      int
	// failures counts consecutive model turns with a failing tool call.
	failures int
	started  time.Time
}

func (s *session) result() Result {
	return Result{
		CorrelationID: s.req.CorrelationID,
		Transcript:    s.transcript,
		States:        s.machine.Visited(),
		Turns:         s.turns,
		Usage:         s.usage,
		Duration:      time.Since(s.started),
	}
}

// Run answers one question. On failure the returned Result still holds the
// partial transcript and visited states.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = tracing.NewCorrelationID()
	}
	ctx = tracing.WithCorrelationID(ctx, req.CorrelationID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "statsbot.agent", "agent.run",
		attribute.String("model", r.cfg.Model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	s := &session{
		req:     req,
		machine: startSession(r.machine),
		started: time.Now(),
	}
	defer s.machine.stop()

	answer, err := r.loop(ctx, s, logger)

	res := s.result()
	res.Answer = answer

	status := AbortReason(err)
	observability.RecordAgentRun(status, res.Duration, res.Turns)
	observability.RecordQuestionAudit(ctx, req.Actor, req.CorrelationID, req.Question, status)
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("turns", res.Turns),
		attribute.Int("tool_calls", len(res.Transcript)),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Err(err).
			Str("status", status).
			Int("turns", res.Turns).
			Int("tool_calls", len(res.Transcript)).
			Dur("duration", res.Duration).
			Msg("Agent run aborted")
		return res, err
	}

	logger.Info().
		Int("turns", res.Turns).
		Int("tool_calls", len(res.Transcript)).
		Int("input_tokens", res.Usage.InputTokens).
		Int("output_tokens", res.Usage.OutputTokens).
		Dur("duration", res.Duration).
		Msg("Agent run finished")

	return res, nil
}

// loop drives the session machine until it reaches a final state.
func (r *Runner) loop(ctx context.Context, s *session, logger zerolog.Logger) (string, error) {
	if strings.TrimSpace(s.req.Question) == "" {
		return "", r.abort(s, fmt.Errorf("%w: question is empty", ErrInvalidRequest))
	}

	s.messages = append(s.messages, AgentMessage{Role: "user", Content: s.req.Question})
	s.machine.send(eventPrompt)

	for {
		if err := ctx.Err(); err != nil {
			return "", r.abort(s, fmt.Errorf("run interrupted: %w", err))
		}
		if s.turns >= r.cfg.MaxTurns {
			return "", r.abort(s, fmt.Errorf("%w: %d turns", ErrTurnLimit, s.turns))
		}
		s.turns++

		response, err := r.callLLM(ctx, s)
		if err != nil {
			return "", r.abort(s, fmt.Errorf("%w: %w", ErrProvider, err))
		}
		s.usage.Add(response.Usage)

		if len(response.ToolCalls) == 0 {
			if strings.TrimSpace(response.Content) == "" {
				return "", r.abort(s, ErrEmptyAnswer)
			}
			s.machine.send(eventAnswer)
			return response.Content, nil
		}

		s.machine.send(eventToolCalls)
		s.messages = append(s.messages, AgentMessage{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		if err := r.runTools(ctx, s, response.ToolCalls, logger); err != nil {
			return "", r.abort(s, err)
		}
		s.machine.send(eventToolResults)
	}
}

// runTools executes one turn's tool calls sequentially, in request order.
func (r *Runner) runTools(ctx context.Context, s *session, calls []ToolCall, logger zerolog.Logger) error {
	attempt := s.failures + 1
	turnFailed := false

	for _, call := range calls {
		outcome := r.invoke(ctx, call, attempt)

		inv := ToolInvocation{
			Turn:    s.turns,
			CallID:  call.ID,
			Name:    call.Name,
			SQL:     outcome.SQL,
			Outcome: outcome,
			Kind:    outcome.Kind.String(),
			Attempt: outcome.Attempt,
		}
		if outcome.Failed() {
			inv.Error = outcome.Message
		} else {
			inv.Result = outcome.ModelContent()
		}
		s.transcript = append(s.transcript, inv)

		if outcome.Kind == sqltool.KindFatal {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("run interrupted: %w", err)
			}
			if outcome.Err != nil {
				return fmt.Errorf("tool %s failed: %w", call.Name, outcome.Err)
			}
			return fmt.Errorf("%w: %s", ErrRetryBudgetExhausted, outcome.Message)
		}
		if outcome.Failed() {
			turnFailed = true
			logger.Debug().
				Str("tool", call.Name).
				Int("attempt", attempt).
				Str("error", outcome.Message).
				Msg("Tool call failed, asking model to retry")
		}

		s.messages = append(s.messages, AgentMessage{
			Role:       "tool",
			Content:    outcome.ModelContent(),
			ToolCallID: call.ID,
		})
	}

	if turnFailed {
		s.failures++
	} else {
		s.failures = 0
	}
	return nil
}

func (r *Runner) invoke(ctx context.Context, call ToolCall, attempt int) sqltool.Outcome {
	tool := r.cfg.Tool
	if call.Name != tool.Definition().Name {
		return tool.Reject(attempt, fmt.Sprintf("unknown tool %q, the only available tool is %q", call.Name, tool.Definition().Name))
	}

	stmt, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		return tool.Reject(attempt, err.Error())
	}

	return tool.Execute(ctx, stmt, attempt)
}

// callLLM makes one model call, retrying transient failures.
func (r *Runner) callLLM(ctx context.Context, s *session) (*LLMResponse, error) {
	req := LLMRequest{
		Model:         r.cfg.Model,
		SystemPrompt:  r.cfg.SystemPrompt.String(),
		Messages:      append([]AgentMessage(nil), s.messages...),
		Tools:         r.tools,
		Temperature:   r.cfg.Temperature,
		MaxTokens:     r.cfg.MaxTokens,
		CorrelationID: s.req.CorrelationID,
	}

	ctx, span := tracing.StartSpan(ctx, "statsbot.agent", "agent.call_llm",
		attribute.String("provider", r.cfg.Provider.Provider()),
		attribute.Int("turn", s.turns),
	)
	defer span.End()

	response, err := r.retrier.Do(ctx, func(ctx context.Context) (*LLMResponse, error) {
		start := time.Now()
		resp, err := r.cfg.Provider.Call(ctx, req)
		if err != nil {
			observability.RecordLLMCall(time.Since(start), false, 0, 0)
			if !IsTransient(err) || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errPermanent, err)
			}
			return nil, err
		}
		var in, out int64
		if resp.Usage != nil {
			in, out = int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens)
		}
		observability.RecordLLMCall(time.Since(start), true, in, out)
		return resp, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if response == nil {
		return nil, errMalformedResponse
	}
	return response, nil
}

func (r *Runner) abort(s *session, err error) error {
	s.machine.send(eventAbort)
	return err
}
