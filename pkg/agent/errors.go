package agent

import (
	"context"
	"errors"
)

var (
	// ErrRetryBudgetExhausted means a tool call kept failing past its retry budget.
	ErrRetryBudgetExhausted = errors.New("tool retry budget exhausted")
	// ErrProvider means the model endpoint failed in a way retries did not fix.
	ErrProvider = errors.New("language model request failed")
	// ErrTurnLimit means the model kept calling tools past the round trip cap.
	ErrTurnLimit = errors.New("too many model round trips")
	// ErrEmptyAnswer means the model finished without any text.
	ErrEmptyAnswer = errors.New("model returned an empty answer")
	// ErrInvalidRequest means the request itself was unusable.
	ErrInvalidRequest = errors.New("invalid request")
)

// UserMessage turns a run failure into the text shown to the person who
// asked. Internal details stay in the logs.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "Sorry, I couldn't build a working query for that question. Try rephrasing it."
	case errors.Is(err, ErrTurnLimit):
		return "Sorry, that question took too many steps to answer. Try asking something more specific."
	case errors.Is(err, ErrEmptyAnswer):
		return "Sorry, I wasn't able to come up with an answer to that."
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, answering that took too long. Please try again."
	case errors.Is(err, ErrInvalidRequest):
		return "Sorry, I need a question to answer."
	case errors.Is(err, ErrProvider):
		return "Sorry, the language model is unavailable right now. Please try again later."
	default:
		return "Sorry, something went wrong while answering your question."
	}
}

// AbortReason is the metrics label for a failed run.
func AbortReason(err error) string {
	switch {
	case err == nil:
		return string(StateFinished)
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "retry_budget"
	case errors.Is(err, ErrTurnLimit):
		return "turn_limit"
	case errors.Is(err, ErrEmptyAnswer):
		return "empty_answer"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrProvider):
		return "provider"
	default:
		return "error"
	}
}
