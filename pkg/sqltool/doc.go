// Package sqltool is the single capability exposed to the model: run one SQL
// statement against the guarded warehouse.
//
// Database errors never surface as Go errors. Execute returns a tagged
// Outcome instead:
//
//   - KindRows: the statement succeeded; Rows holds every row verbatim.
//   - KindRetry: the statement failed and the retry budget still allows
//     another attempt; Message is fed back to the model.
//   - KindFatal: the budget is spent, or the tool cannot run at all (Err
//     holds the cause); the agent run must abort.
//
// Attempts are numbered from 1. With MaxRetries = 2 a failing statement is
// retryable on attempts 1 and 2 and fatal on attempt 3.
package sqltool
