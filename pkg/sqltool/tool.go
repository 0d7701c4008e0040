package sqltool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/statsbot/internal/observability"
	"github.com/harun/statsbot/internal/tracing"
	"github.com/harun/statsbot/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// Name is the tool name declared to the model.
	Name = "query_db"
	// DefaultLane is the commandqueue lane statements run on.
	DefaultLane = "query"
	// DefaultMaxRetries is the retry budget per failing tool call.
	DefaultMaxRetries = 2
)

// ErrUnencodable means a statement succeeded but its rows could not be
// encoded for the model. It is never charged to the retry budget.
var ErrUnencodable = errors.New("result could not be encoded")

// Kind tags an Outcome.
type Kind int

const (
	KindRows Kind = iota
	KindRetry
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRows:
		return "rows"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Executor runs a statement and returns its rows.
type Executor interface {
	Query(ctx context.Context, stmt string) ([][]any, error)
}

// Enqueuer offloads work to a lane. *commandqueue.CommandQueue satisfies it.
type Enqueuer interface {
	EnqueueWithContext(ctx context.Context, lane string, task commandqueue.Task) (any, error)
}

// Config configures a Tool.
type Config struct {
	Executor Executor
	// Queue is optional; without it statements run on the caller's goroutine.
	Queue      Enqueuer
	Lane       string
	MaxRetries int
	Logger     zerolog.Logger
}

// Parameter describes one tool argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Definition is the tool declaration sent to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// JSONSchema renders the parameters as a JSON Schema object.
func (d Definition) JSONSchema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	required := []string{}

	for _, p := range d.Parameters {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var definition = Definition{
	Name:        Name,
	Description: "Run one read-only DuckDB SQL query against the community activity database and return the result rows as a JSON array of arrays.",
	Parameters: []Parameter{
		{
			Name:        "sql",
			Type:        "string",
			Description: "A single DuckDB SQL statement.",
			Required:    true,
		},
	},
}

// Outcome is the tagged result of one tool invocation.
type Outcome struct {
	Kind     Kind
	SQL      string
	Rows     [][]any
	Message  string
	Attempt  int
	Duration time.Duration
	// Err is the cause of a fatal outcome that has nothing to do with the
	// statement itself.
	Err error

	content string
}

// Failed reports whether the invocation did not produce rows.
func (o Outcome) Failed() bool {
	return o.Kind != KindRows
}

// ModelContent is the text returned to the model as the tool result.
func (o Outcome) ModelContent() string {
	switch o.Kind {
	case KindRows:
		return o.content
	case KindRetry:
		return RetryPrompt(o.Message)
	default:
		return o.Message
	}
}

// RetryPrompt wraps an error for the model's self-correction turn.
func RetryPrompt(msg string) string {
	return "An error occurred making the provided query: " + msg + "\n\nFix the errors and try again."
}

// Tool runs model-authored SQL.
type Tool struct {
	cfg    Config
	schema *gojsonschema.Schema
	logger zerolog.Logger
}

// New validates cfg and compiles the argument schema.
func New(cfg Config) (*Tool, error) {
	if cfg.Executor == nil {
		return nil, errors.New("sqltool: executor is required")
	}
	if cfg.Lane == "" {
		cfg.Lane = DefaultLane
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("sqltool: max retries must be >= 0, got %d", cfg.MaxRetries)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(definition.JSONSchema()))
	if err != nil {
		return nil, fmt.Errorf("sqltool: failed to compile argument schema: %w", err)
	}

	return &Tool{
		cfg:    cfg,
		schema: schema,
		logger: cfg.Logger.With().Str("component", "sqltool").Logger(),
	}, nil
}

// Definition returns the tool declaration.
func (t *Tool) Definition() Definition {
	return definition
}

// ParseArguments decodes the model's JSON arguments and returns the SQL.
func (t *Tool) ParseArguments(raw string) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return "", err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return "", fmt.Errorf("invalid arguments: %v", msgs)
	}

	return args["sql"].(string), nil
}

// Execute runs stmt as attempt number attempt (starting at 1).
func (t *Tool) Execute(ctx context.Context, stmt string, attempt int) Outcome {
	ctx, span := tracing.StartSpan(ctx, "statsbot.sqltool", "sqltool.execute",
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, t.logger)
	start := time.Now()

	rows, err := t.run(ctx, stmt)

	var out Outcome
	switch {
	case err == nil:
		content, encErr := json.Marshal(rows)
		if encErr != nil {
			encErr = fmt.Errorf("%w: %v", ErrUnencodable, encErr)
			logger.Error().Err(encErr).Str("sql", stmt).Msg("Query result is not encodable")
			out = Outcome{Kind: KindFatal, Message: encErr.Error(), Attempt: attempt, Err: encErr}
			break
		}
		out = Outcome{Kind: KindRows, Rows: rows, Attempt: attempt, content: string(content)}
	case errors.Is(err, commandqueue.ErrClosed), ctx.Err() != nil:
		out = Outcome{Kind: KindFatal, Message: fmt.Sprintf("query was not run: %v", err), Attempt: attempt, Err: err}
	default:
		out = t.classify(attempt, err.Error())
	}
	out.SQL = stmt
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	observability.RecordToolExecution(out.Kind.String(), out.Duration)
	observability.RecordQueryAudit(ctx, tracing.GetCorrelationID(ctx), stmt, out.Kind.String(), len(out.Rows))

	event := logger.Debug()
	if out.Failed() {
		event = logger.Info()
	}
	event.
		Str("outcome", out.Kind.String()).
		Int("attempt", attempt).
		Int("rows", len(out.Rows)).
		Dur("duration", out.Duration).
		Str("message", out.Message).
		Msg("SQL tool executed")

	return out
}

// Reject classifies a failure that happened before any statement ran, such
// as malformed arguments or an unknown tool name.
func (t *Tool) Reject(attempt int, msg string) Outcome {
	out := t.classify(attempt, msg)
	observability.RecordToolExecution(out.Kind.String(), 0)
	return out
}

func (t *Tool) classify(attempt int, msg string) Outcome {
	if attempt <= t.cfg.MaxRetries {
		return Outcome{Kind: KindRetry, Message: msg, Attempt: attempt}
	}
	return Outcome{
		Kind:    KindFatal,
		Message: fmt.Sprintf("query failed after %d attempts: %s", attempt, msg),
		Attempt: attempt,
	}
}

func (t *Tool) run(ctx context.Context, stmt string) ([][]any, error) {
	var rows [][]any
	if t.cfg.Queue == nil {
		var err error
		rows, err = t.cfg.Executor.Query(context.WithoutCancel(ctx), stmt)
		if err != nil {
			return nil, err
		}
	} else {
		v, err := t.cfg.Queue.EnqueueWithContext(ctx, t.cfg.Lane, func(taskCtx context.Context) (any, error) {
			r, err := t.cfg.Executor.Query(taskCtx, stmt)
			if err != nil {
				return nil, err
			}
			return r, nil
		})
		if err != nil {
			return nil, err
		}
		rows, _ = v.([][]any)
	}
	if rows == nil {
		rows = [][]any{}
	}
	return rows, nil
}
