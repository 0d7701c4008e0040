package sqltool

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/harun/statsbot/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu    sync.Mutex
	rows  [][]any
	errs  []error
	calls []string
}

// Query pops the next queued error, or returns rows once errors run out.
func (f *fakeExecutor) Query(_ context.Context, stmt string) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stmt)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.rows, nil
}

func newTool(t *testing.T, exec Executor, queue Enqueuer) *Tool {
	t.Helper()
	tool, err := New(Config{Executor: exec, Queue: queue, MaxRetries: DefaultMaxRetries, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return tool
}

func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Executor: &fakeExecutor{}, MaxRetries: -1})
	assert.Error(t, err)
}

func TestDefinition(t *testing.T) {
	tool := newTool(t, &fakeExecutor{}, nil)
	def := tool.Definition()

	assert.Equal(t, "query_db", def.Name)
	schema := def.JSONSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"sql"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "sql")
}

func TestParseArguments(t *testing.T) {
	tool := newTool(t, &fakeExecutor{}, nil)

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"valid", `{"sql":"SELECT 1"}`, "SELECT 1", false},
		{"not json", `SELECT 1`, "", true},
		{"missing sql", `{}`, "", true},
		{"wrong type", `{"sql":42}`, "", true},
		{"extra field", `{"sql":"SELECT 1","limit":5}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tool.ParseArguments(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteRows(t *testing.T) {
	exec := &fakeExecutor{rows: [][]any{{"ada", int64(2)}, {"bob", int64(1)}}}
	tool := newTool(t, exec, nil)

	out := tool.Execute(context.Background(), "SELECT name, n FROM t", 1)

	assert.Equal(t, KindRows, out.Kind)
	assert.False(t, out.Failed())
	assert.Equal(t, exec.rows, out.Rows)
	assert.Equal(t, `[["ada",2],["bob",1]]`, out.ModelContent())
	assert.Equal(t, "SELECT name, n FROM t", out.SQL)
}

func TestExecuteEmptyResult(t *testing.T) {
	tool := newTool(t, &fakeExecutor{}, nil)

	out := tool.Execute(context.Background(), "SELECT 1 WHERE false", 1)

	assert.Equal(t, KindRows, out.Kind)
	assert.Equal(t, "[]", out.ModelContent())
}

func TestExecuteRetryBudget(t *testing.T) {
	dbErr := errors.New(`Binder Error: Referenced column "winner" not found`)

	tests := []struct {
		attempt int
		want    Kind
	}{
		{1, KindRetry},
		{2, KindRetry},
		{3, KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			tool := newTool(t, &fakeExecutor{errs: []error{dbErr}}, nil)

			out := tool.Execute(context.Background(), "SELECT winner FROM t", tt.attempt)

			assert.Equal(t, tt.want, out.Kind)
			assert.Equal(t, tt.attempt, out.Attempt)
			assert.Contains(t, out.Message, "winner")
		})
	}
}

func TestRetryContent(t *testing.T) {
	tool := newTool(t, &fakeExecutor{errs: []error{errors.New("syntax error at or near FORM")}}, nil)

	out := tool.Execute(context.Background(), "SELECT * FORM t", 1)

	assert.Equal(t,
		"An error occurred making the provided query: syntax error at or near FORM\n\nFix the errors and try again.",
		out.ModelContent())
}

func TestZeroRetryBudget(t *testing.T) {
	tool, err := New(Config{Executor: &fakeExecutor{errs: []error{errors.New("bad")}}, MaxRetries: 0, Logger: zerolog.Nop()})
	require.NoError(t, err)

	out := tool.Execute(context.Background(), "SELECT", 1)
	assert.Equal(t, KindFatal, out.Kind)
}

func TestReject(t *testing.T) {
	tool := newTool(t, &fakeExecutor{}, nil)

	assert.Equal(t, KindRetry, tool.Reject(1, "bad arguments").Kind)
	assert.Equal(t, KindFatal, tool.Reject(3, "bad arguments").Kind)
	assert.Contains(t, tool.Reject(2, "unknown tool").ModelContent(), "unknown tool")
}

func TestExecuteThroughQueue(t *testing.T) {
	queue := commandqueue.New(commandqueue.WithLane(DefaultLane, 2))
	defer queue.Close()

	exec := &fakeExecutor{rows: [][]any{{int64(42)}}}
	tool := newTool(t, exec, queue)

	out := tool.Execute(context.Background(), "SELECT 42", 1)

	assert.Equal(t, KindRows, out.Kind)
	assert.Equal(t, "[[42]]", out.ModelContent())
	assert.Equal(t, []string{"SELECT 42"}, exec.calls)
}

func TestExecuteOnClosedQueueIsFatal(t *testing.T) {
	queue := commandqueue.New()
	require.NoError(t, queue.Close())

	tool := newTool(t, &fakeExecutor{}, queue)

	out := tool.Execute(context.Background(), "SELECT 1", 1)
	assert.Equal(t, KindFatal, out.Kind)
	assert.ErrorIs(t, out.Err, commandqueue.ErrClosed)
}

func TestExecuteUnencodableRowsAreNotRetried(t *testing.T) {
	tool := newTool(t, &fakeExecutor{rows: [][]any{{math.NaN()}}}, nil)

	out := tool.Execute(context.Background(), "SELECT max(x) FROM t", 1)

	assert.Equal(t, KindFatal, out.Kind)
	assert.ErrorIs(t, out.Err, ErrUnencodable)
	assert.Equal(t, 1, out.Attempt)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rows", KindRows.String())
	assert.Equal(t, "retry", KindRetry.String())
	assert.Equal(t, "fatal", KindFatal.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
