package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/statsbot/pkg/catalog"
	"github.com/harun/statsbot/pkg/commandqueue"
	"github.com/harun/statsbot/pkg/sqltool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays one step per call and records every request.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(LLMRequest) (*LLMResponse, error)
	requests []LLMRequest
	// fallback answers calls past the end of steps.
	fallback func(LLMRequest) (*LLMResponse, error)
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var step func(LLMRequest) (*LLMResponse, error)
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		step = p.fallback
	}
	p.mu.Unlock()

	if step == nil {
		return nil, errors.New("script exhausted")
	}
	return step(req)
}

func (p *scriptedProvider) calls() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.requests...)
}

func querySQL(id, stmt string) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{
			ToolCalls: []ToolCall{{ID: id, Name: sqltool.Name, Arguments: fmt.Sprintf(`{"sql":%q}`, stmt)}},
			Usage:     &TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func answer(text string) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: text, Usage: &TokenUsage{InputTokens: 20, OutputTokens: 8}}, nil
	}
}

func fail(err error) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) { return nil, err }
}

// fakeDB fails statements listed in errs and returns one row otherwise.
type fakeDB struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeDB) Query(_ context.Context, stmt string) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stmt)
	if err, ok := f.errs[stmt]; ok {
		return nil, err
	}
	return [][]any{{int64(42)}}, nil
}

func (f *fakeDB) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func setupTestRunner(t *testing.T, provider LLMProvider, db sqltool.Executor, mutate ...func(*Config)) *Runner {
	t.Helper()

	tool, err := sqltool.New(sqltool.Config{
		Executor:   db,
		MaxRetries: sqltool.DefaultMaxRetries,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	cfg := Config{
		Provider: provider,
		Tool:     tool,
		SystemPrompt: BuildSystemPrompt(PromptParams{
			Schema:    `CREATE TABLE messages(id BIGINT, author VARCHAR);`,
			Freshness: catalog.Freshness{Table: "meta", Column: "last_updated"},
		}),
		Model:          "test-model",
		LLMMaxAttempts: 1,
		LLMRetryDelay:  time.Millisecond,
		Logger:         zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runner
}

func TestNewRunnerValidation(t *testing.T) {
	tool, err := sqltool.New(sqltool.Config{Executor: &fakeDB{}})
	require.NoError(t, err)
	prompt := BuildSystemPrompt(PromptParams{Schema: "CREATE TABLE t(a INT);"})
	provider := &scriptedProvider{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no provider", Config{Tool: tool, SystemPrompt: prompt, Model: "m"}},
		{"no tool", Config{Provider: provider, SystemPrompt: prompt, Model: "m"}},
		{"no prompt", Config{Provider: provider, Tool: tool, Model: "m"}},
		{"no model", Config{Provider: provider, Tool: tool, SystemPrompt: prompt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			assert.Error(t, err)
		})
	}

	runner, err := NewRunner(Config{Provider: provider, Tool: tool, SystemPrompt: prompt, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, runner.cfg.MaxTurns)
	assert.Equal(t, DefaultRunTimeout, runner.cfg.RunTimeout)
	assert.Equal(t, 1, runner.cfg.LLMMaxAttempts)
}

func TestRunQueryThenAnswer(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		querySQL("call_1", "SELECT count(*) FROM messages"),
		answer("There are **42** messages."),
	}}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "how many messages?", CorrelationID: "corr-a"})
	require.NoError(t, err)

	assert.Equal(t, "There are **42** messages.", res.Answer)
	assert.Equal(t, "corr-a", res.CorrelationID)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, []State{StateStarted, StateAwaitingModel, StateToolRequested, StateAwaitingModel, StateFinished}, res.States)
	assert.Equal(t, TokenUsage{InputTokens: 30, OutputTokens: 13}, res.Usage)

	require.Len(t, res.Transcript, 1)
	inv := res.Transcript[0]
	assert.Equal(t, "rows", inv.Kind)
	assert.Equal(t, "call_1", inv.CallID)
	assert.Equal(t, "SELECT count(*) FROM messages", inv.SQL)
	assert.Equal(t, 1, inv.Attempt)
	assert.Equal(t, [][]any{{int64(42)}}, inv.Outcome.Rows)

	calls := provider.calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "corr-a", c.CorrelationID)
		assert.Equal(t, "test-model", c.Model)
		require.Len(t, c.Tools, 1)
		assert.Equal(t, sqltool.Name, c.Tools[0].Name)
		assert.Contains(t, c.SystemPrompt, "CREATE TABLE messages")
	}

	second := calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "user", second[0].Role)
	assert.Equal(t, "assistant", second[1].Role)
	assert.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Equal(t, "[[42]]", second[2].Content)
}

func TestRunSelfCorrectsAfterQueryError(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		querySQL("call_1", "SELECT nope FROM messages"),
		querySQL("call_2", "SELECT count(*) FROM messages"),
		answer("42"),
	}}
	db := &fakeDB{errs: map[string]error{
		"SELECT nope FROM messages": errors.New(`Binder Error: Referenced column "nope" not found`),
	}}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "count messages", CorrelationID: "corr-b"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Answer)

	require.Len(t, res.Transcript, 2)
	assert.Equal(t, "retry", res.Transcript[0].Kind)
	assert.Equal(t, 1, res.Transcript[0].Attempt)
	assert.Equal(t, `Binder Error: Referenced column "nope" not found`, res.Transcript[0].Error)
	assert.Empty(t, res.Transcript[0].Result)
	assert.Equal(t, "rows", res.Transcript[1].Kind)
	assert.Equal(t, 2, res.Transcript[1].Attempt)
	assert.Equal(t, "[[42]]", res.Transcript[1].Result)
	assert.Empty(t, res.Transcript[1].Error)

	calls := provider.calls()
	require.Len(t, calls, 3)
	retryMsg := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", retryMsg.Role)
	assert.True(t, strings.HasPrefix(retryMsg.Content, "An error occurred making the provided query: Binder Error"))
	assert.True(t, strings.HasSuffix(retryMsg.Content, "Fix the errors and try again."))
}

func TestRunDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		answer("Hi! Ask me about server activity."),
	}}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "hello", CorrelationID: "corr-c"})
	require.NoError(t, err)

	assert.Equal(t, "Hi! Ask me about server activity.", res.Answer)
	assert.Equal(t, []State{StateStarted, StateAwaitingModel, StateFinished}, res.States)
	assert.Empty(t, res.Transcript)
	assert.Empty(t, db.executed())
	assert.Equal(t, 1, res.Turns)
}

func TestRunRecoversOnThirdAttempt(t *testing.T) {
	bad := errors.New("Parser Error: syntax error")
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		querySQL("c1", "SELEC 1"),
		querySQL("c2", "SELEC 2"),
		querySQL("c3", "SELECT 3"),
		answer("three"),
	}}
	db := &fakeDB{errs: map[string]error{"SELEC 1": bad, "SELEC 2": bad}}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)
	assert.Equal(t, "three", res.Answer)
	assert.Len(t, db.executed(), 3)

	kinds := make([]string, 0, len(res.Transcript))
	for _, inv := range res.Transcript {
		kinds = append(kinds, inv.Kind)
	}
	assert.Equal(t, []string{"retry", "retry", "rows"}, kinds)
}

func TestRunAbortsWhenRetryBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{fallback: querySQL("c", "SELEC 1")}
	db := &fakeDB{errs: map[string]error{"SELEC 1": errors.New("Parser Error: syntax error")}}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryBudgetExhausted))
	assert.Empty(t, res.Answer)

	assert.Len(t, db.executed(), 3)
	assert.Len(t, provider.calls(), 3)
	require.Len(t, res.Transcript, 3)
	assert.Equal(t, "fatal", res.Transcript[2].Kind)
	assert.Equal(t, StateAborted, res.States[len(res.States)-1])
	assert.Equal(t, "retry_budget", AbortReason(err))
}

// rowsDB returns the same rows for every statement.
type rowsDB [][]any

func (r rowsDB) Query(context.Context, string) ([][]any, error) { return r, nil }

func TestRunUnencodableResultIsNotChargedToRetryBudget(t *testing.T) {
	provider := &scriptedProvider{fallback: querySQL("c", "SELECT max(x) FROM t")}
	runner := setupTestRunner(t, provider, rowsDB{{math.NaN()}})

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sqltool.ErrUnencodable)
	assert.NotErrorIs(t, err, ErrRetryBudgetExhausted)

	assert.Len(t, provider.calls(), 1)
	require.Len(t, res.Transcript, 1)
	assert.Equal(t, "fatal", res.Transcript[0].Kind)
	assert.Contains(t, res.Transcript[0].Error, "result could not be encoded")
	assert.Equal(t, "error", AbortReason(err))
}

func TestRunSuccessResetsRetryAttempt(t *testing.T) {
	bad := errors.New("Catalog Error: table not found")
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		querySQL("c1", "bad"),
		querySQL("c2", "good"),
		querySQL("c3", "bad"),
		querySQL("c4", "bad"),
		querySQL("c5", "good"),
		answer("done"),
	}}
	db := &fakeDB{errs: map[string]error{"bad": bad}}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)

	attempts := make([]int, 0, len(res.Transcript))
	for _, inv := range res.Transcript {
		attempts = append(attempts, inv.Attempt)
	}
	assert.Equal(t, []int{1, 2, 1, 2, 3}, attempts)
}

func TestRunExecutesToolCallsInOrder(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		func(LLMRequest) (*LLMResponse, error) {
			return &LLMResponse{ToolCalls: []ToolCall{
				{ID: "a", Name: sqltool.Name, Arguments: `{"sql":"SELECT 1"}`},
				{ID: "b", Name: sqltool.Name, Arguments: `{"sql":"SELECT 2"}`},
				{ID: "c", Name: sqltool.Name, Arguments: `{"sql":"SELECT 3"}`},
			}}, nil
		},
		answer("ok"),
	}}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1", "SELECT 2", "SELECT 3"}, db.executed())

	msgs := provider.calls()[1].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, "a", msgs[2].ToolCallID)
	assert.Equal(t, "b", msgs[3].ToolCallID)
	assert.Equal(t, "c", msgs[4].ToolCallID)
	assert.Len(t, res.Transcript, 3)
}

func TestRunUnknownToolIsRetryable(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		func(LLMRequest) (*LLMResponse, error) {
			return &LLMResponse{ToolCalls: []ToolCall{{ID: "x", Name: "drop_everything", Arguments: `{}`}}}, nil
		},
		answer("sorry"),
	}}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)
	assert.Empty(t, db.executed())
	require.Len(t, res.Transcript, 1)
	assert.Equal(t, "retry", res.Transcript[0].Kind)

	last := provider.calls()[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "unknown tool")
}

func TestRunMalformedArgumentsAreRetryable(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		func(LLMRequest) (*LLMResponse, error) {
			return &LLMResponse{ToolCalls: []ToolCall{{ID: "x", Name: sqltool.Name, Arguments: `{"query":"SELECT 1"}`}}}, nil
		},
		querySQL("y", "SELECT 1"),
		answer("one"),
	}}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db)

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1"}, db.executed())
	require.Len(t, res.Transcript, 2)
	assert.Equal(t, "retry", res.Transcript[0].Kind)
	assert.Equal(t, 2, res.Transcript[1].Attempt)
}

func TestRunTurnLimit(t *testing.T) {
	provider := &scriptedProvider{fallback: querySQL("c", "SELECT 1")}
	db := &fakeDB{}
	runner := setupTestRunner(t, provider, db, func(c *Config) { c.MaxTurns = 3 })

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTurnLimit))
	assert.Equal(t, 3, res.Turns)
	assert.Len(t, provider.calls(), 3)
	assert.Equal(t, StateAborted, res.States[len(res.States)-1])
}

func TestRunEmptyAnswer(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){answer("  \n")}}
	runner := setupTestRunner(t, provider, &fakeDB{})

	_, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyAnswer))
}

func TestRunEmptyQuestion(t *testing.T) {
	provider := &scriptedProvider{}
	runner := setupTestRunner(t, provider, &fakeDB{})

	res, err := runner.Run(context.Background(), Request{Question: "   ", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Empty(t, provider.calls())
	assert.Equal(t, []State{StateStarted, StateAborted}, res.States)
}

func TestRunGeneratesCorrelationID(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){answer("hi")}}
	runner := setupTestRunner(t, provider, &fakeDB{})

	res, err := runner.Run(context.Background(), Request{Question: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, res.CorrelationID, provider.calls()[0].CorrelationID)
}

func TestRunProviderPermanentError(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		fail(errors.New("invalid api key")),
		answer("unreachable"),
	}}
	runner := setupTestRunner(t, provider, &fakeDB{}, func(c *Config) { c.LLMMaxAttempts = 3 })

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvider))
	assert.Len(t, provider.calls(), 1)
	assert.Equal(t, StateAborted, res.States[len(res.States)-1])
	assert.Equal(t, "provider", AbortReason(err))
}

func TestRunProviderTransientErrorRetried(t *testing.T) {
	provider := &scriptedProvider{steps: []func(LLMRequest) (*LLMResponse, error){
		fail(io.ErrUnexpectedEOF),
		answer("recovered"),
	}}
	runner := setupTestRunner(t, provider, &fakeDB{}, func(c *Config) { c.LLMMaxAttempts = 3 })

	res, err := runner.Run(context.Background(), Request{Question: "q", CorrelationID: "corr"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Answer)
	assert.Len(t, provider.calls(), 2)
}

func TestRunCanceledContext(t *testing.T) {
	provider := &scriptedProvider{fallback: answer("never")}
	runner := setupTestRunner(t, provider, &fakeDB{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, Request{Question: "q", CorrelationID: "corr"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, provider.calls())
}

// echoProvider queries the question text, then answers with the tool result.
type echoProvider struct{}

func (echoProvider) Provider() string { return "echo" }

func (echoProvider) Call(_ context.Context, req LLMRequest) (*LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == "tool" {
		return &LLMResponse{Content: req.CorrelationID + ":" + last.Content}, nil
	}
	return &LLMResponse{ToolCalls: []ToolCall{{
		ID:        "call_" + req.CorrelationID,
		Name:      sqltool.Name,
		Arguments: fmt.Sprintf(`{"sql":%q}`, last.Content),
	}}}, nil
}

// echoDB returns the statement as its only cell.
type echoDB struct{}

func (echoDB) Query(_ context.Context, stmt string) ([][]any, error) {
	time.Sleep(time.Millisecond)
	return [][]any{{stmt}}, nil
}

func TestRunConcurrentSessionsAreIsolated(t *testing.T) {
	queue := commandqueue.New(commandqueue.WithLane(sqltool.DefaultLane, 2))
	defer queue.Close()

	tool, err := sqltool.New(sqltool.Config{Executor: echoDB{}, Queue: queue, MaxRetries: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)

	runner, err := NewRunner(Config{
		Provider:     echoProvider{},
		Tool:         tool,
		SystemPrompt: BuildSystemPrompt(PromptParams{Schema: "CREATE TABLE t(a INT);"}),
		Model:        "m",
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	const n = 10
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = runner.Run(context.Background(), Request{
				Question:      fmt.Sprintf("SELECT %d", i),
				CorrelationID: fmt.Sprintf("run-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		id := fmt.Sprintf("run-%d", i)
		assert.Equal(t, id, results[i].CorrelationID)
		assert.Equal(t, fmt.Sprintf(`%s:[["SELECT %d"]]`, id, i), results[i].Answer)
		require.Len(t, results[i].Transcript, 1)
		assert.Equal(t, "call_"+id, results[i].Transcript[0].CallID)
		assert.Equal(t, fmt.Sprintf("SELECT %d", i), results[i].Transcript[0].SQL)
	}
}
