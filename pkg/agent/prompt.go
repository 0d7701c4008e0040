package agent

import (
	"fmt"
	"strings"

	"github.com/harun/statsbot/pkg/catalog"
)

// Strictness controls how hard the model tries before declining.
type Strictness string

const (
	StrictnessLenient  Strictness = "lenient"
	StrictnessBalanced Strictness = "balanced"
	StrictnessStrict   Strictness = "strict"
)

// ParseStrictness validates a configured strictness level.
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case StrictnessLenient, "":
		return StrictnessLenient, nil
	case StrictnessBalanced:
		return StrictnessBalanced, nil
	case StrictnessStrict:
		return StrictnessStrict, nil
	default:
		return "", fmt.Errorf("unknown strictness %q", s)
	}
}

func (s Strictness) policy() string {
	switch s {
	case StrictnessStrict:
		return "Never refuse to answer. Always attempt a query-backed answer, even when the question is ambiguous: pick the most reasonable interpretation, query for it, and state the interpretation you used."
	case StrictnessBalanced:
		return "Prefer answers backed by a query. Only decline when the schema clearly cannot answer the question, and say briefly why."
	default:
		return "Answer helpfully. If the question cannot be answered from this data, it is fine to say so."
	}
}

// PromptParams are the inputs of BuildSystemPrompt.
type PromptParams struct {
	// Schema is the rendered catalog.
	Schema     string
	Freshness  catalog.Freshness
	Strictness Strictness
	// Platform names the chat platform the answer is rendered on.
	Platform string
}

// SystemPrompt is built once at startup and shared read-only by every run.
type SystemPrompt struct {
	text string
}

// String returns the prompt text.
func (p SystemPrompt) String() string {
	return p.text
}

// IsZero reports whether the prompt was never built.
func (p SystemPrompt) IsZero() bool {
	return p.text == ""
}

// BuildSystemPrompt composes the behavioral policy and the schema.
func BuildSystemPrompt(params PromptParams) SystemPrompt {
	platform := params.Platform
	if platform == "" {
		platform = "Discord"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant that answers questions about %s server activity stored in a DuckDB database.\n\n", platform)

	b.WriteString("The database has the following schema:\n```sql\n")
	b.WriteString(params.Schema)
	b.WriteString("\n```\n\n")

	b.WriteString("Use the query_db tool to run read-only DuckDB SQL against this database. ")
	b.WriteString("If a query fails you will see the error; fix the query and try again.\n\n")

	f := params.Freshness
	switch {
	case f.Known:
		fmt.Fprintf(&b, "The data is not real-time. It was last updated at %s (the `%s` column of the `%s` table).\n\n", f.Value, f.Column, f.Table)
	case f.Table != "":
		fmt.Fprintf(&b, "The data is not real-time. The last updated timestamp is stored in the `%s` table.\n\n", f.Table)
	default:
		b.WriteString("The data is not real-time.\n\n")
	}

	b.WriteString(params.Strictness.policy())
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Your response will be returned as a %s message - format your message using %s's markdown where appropriate.\n", platform, platform)

	return SystemPrompt{text: b.String()}
}
