package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/harun/statsbot/internal/config"
	"github.com/harun/statsbot/internal/logger"
	"github.com/harun/statsbot/pkg/agent"
	"github.com/harun/statsbot/pkg/sqltool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
}

func (b *fakeBot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	return b.startErr
}

func (b *fakeBot) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
	return nil
}

// countingProvider asks for a message count, then reports the tool result.
type countingProvider struct{}

func (countingProvider) Provider() string { return "counting" }

func (countingProvider) Call(_ context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == "tool" {
		return &agent.LLMResponse{Content: "messages: " + last.Content}, nil
	}
	return &agent.LLMResponse{ToolCalls: []agent.ToolCall{{
		ID:        "call_1",
		Name:      "query_db",
		Arguments: `{"sql":"SELECT count(*) FROM messages"}`,
	}}}, nil
}

func seedDatabase(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "activity.duckdb")
	db, err := sql.Open("duckdb", path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		"CREATE TABLE messages (id VARCHAR, author_id VARCHAR, created_at TIMESTAMP)",
		"CREATE TABLE meta (last_updated TIMESTAMP)",
		"INSERT INTO messages VALUES ('m1', '1', TIMESTAMP '2024-01-01 10:00:00'), ('m2', '2', TIMESTAMP '2024-01-02 10:00:00')",
		"INSERT INTO meta VALUES (TIMESTAMP '2024-01-02 12:00:00')",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DBPath = seedDatabase(t)
	cfg.Discord.Token = "MTA1.GaBcDe.abcdef"
	cfg.Discord.GuildID = "123456789012345678"
	cfg.LLM.APIKey = "local-key"
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Out: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// stubDeps swaps the bot and provider constructors for the test's duration.
func stubDeps(t *testing.T, bot *fakeBot) {
	origBot, origProvider := newBot, newProvider
	newBot = func(config.DiscordConfig, *agent.Runner, zerolog.Logger) (Bot, error) {
		return bot, nil
	}
	newProvider = func(config.LLMConfig) agent.LLMProvider { return countingProvider{} }
	t.Cleanup(func() {
		newBot, newProvider = origBot, origProvider
	})
}

func TestNew(t *testing.T) {
	stubDeps(t, &fakeBot{})

	d, err := New(context.Background(), testConfig(t), testLogger(t))
	require.NoError(t, err)
	defer d.cleanup()

	core := d.core
	require.NotNil(t, core)
	assert.ElementsMatch(t, []string{"messages", "meta"}, core.Catalog.TableNames())
	assert.True(t, core.Freshness.Known)
	assert.Contains(t, core.Prompt.String(), "CREATE TABLE messages")
	assert.Contains(t, core.Prompt.String(), "2024-01-02 12:00:00")
	assert.NotNil(t, core.Runner)
	assert.NotNil(t, core.Queue)
	assert.False(t, d.Status().Running)
	assert.Equal(t, 2, d.Status().Tables)
	assert.Contains(t, d.Status().Queue, sqltool.DefaultLane)
}

func TestDaemonStartStop(t *testing.T) {
	bot := &fakeBot{}
	stubDeps(t, bot)

	d, err := New(context.Background(), testConfig(t), testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", d.MetricsAddr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://%s/status", d.MetricsAddr()))
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.Tables)
	assert.Equal(t, 0, status.Queue[sqltool.DefaultLane].Queued)
	assert.Positive(t, status.Queue[sqltool.DefaultLane].Concurrency)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	assert.Equal(t, 1, bot.started)
	assert.Equal(t, 1, bot.stopped)

	// Wait returns at once for a stopped daemon.
	d.Wait()
}

func TestDaemonStartBotFailure(t *testing.T) {
	stubDeps(t, &fakeBot{startErr: errors.New("gateway unreachable")})

	d, err := New(context.Background(), testConfig(t), testLogger(t))
	require.NoError(t, err)
	defer d.cleanup()

	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
	assert.False(t, d.Status().Running)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	stubDeps(t, &fakeBot{})

	cfg := testConfig(t)
	cfg.Discord.GuildID = "not-a-snowflake"

	_, err := New(context.Background(), cfg, testLogger(t))
	assert.Error(t, err)
}

func TestNewFailsWithoutDatabase(t *testing.T) {
	stubDeps(t, &fakeBot{})

	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "missing.duckdb")

	_, err := New(context.Background(), cfg, testLogger(t))
	assert.Error(t, err)
}

// openHandles counts this process's file descriptors pointing at path.
func openHandles(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("descriptor listing not available")
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestNewFailureClosesAuditLog(t *testing.T) {
	stubDeps(t, &fakeBot{})

	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "missing.duckdb")
	cfg.Logging.AuditFile = filepath.Join(t.TempDir(), "audit.jsonl")

	_, err := New(context.Background(), cfg, testLogger(t))
	require.Error(t, err)

	_, statErr := os.Stat(cfg.Logging.AuditFile)
	require.NoError(t, statErr)
	assert.Zero(t, openHandles(t, cfg.Logging.AuditFile))
}

func TestLoadCoreWithoutMetaTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.MetaTable = "no_such_table"

	core, err := LoadCore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()

	assert.False(t, core.Freshness.Known)
	assert.NotContains(t, core.Prompt.String(), "2024-01-02")
}

func TestCoreAnswersAgainstDatabase(t *testing.T) {
	stubDeps(t, &fakeBot{})
	cfg := testConfig(t)

	core, err := LoadCore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()
	require.NoError(t, core.BuildAgent(cfg, zerolog.Nop()))
	assert.Error(t, core.BuildAgent(cfg, zerolog.Nop()))

	res, err := core.Runner.Run(context.Background(), agent.Request{Question: "how many messages?"})
	require.NoError(t, err)
	assert.Equal(t, "messages: [[2]]", res.Answer)
	require.Len(t, res.Transcript, 1)
	assert.Equal(t, "rows", res.Transcript[0].Kind)
}
