// Package agent answers natural-language questions by letting a language
// model write SQL against the activity database.
//
// A run alternates model completions and query_db tool calls until the model
// replies with plain text. Each run owns its transcript and state machine,
// so one Runner serves any number of concurrent questions.
//
// Invariants:
//   - Tool calls of one model turn execute sequentially, in request order.
//   - A turn with a failing tool call increments the retry attempt; a turn
//     where every call succeeds resets it.
//   - Every model call of a run carries the same correlation id.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, err := runner.Run(ctx, agent.Request{
//		Question:      "how many messages were sent yesterday?",
//		CorrelationID: tracing.NewCorrelationID(),
//	})
//	if err != nil {
//		reply = agent.UserMessage(err)
//	}
package agent
