package agent

import (
	"github.com/felixgeelhaar/statekit"
)

// Events driving the session machine.
const (
	eventPrompt      statekit.EventType = "PROMPT"
	eventToolCalls   statekit.EventType = "TOOL_CALLS"
	eventToolResults statekit.EventType = "TOOL_RESULTS"
	eventAnswer      statekit.EventType = "ANSWER"
	eventAbort       statekit.EventType = "ABORT"
)

const (
	stateStarted       = statekit.StateID(StateStarted)
	stateAwaitingModel = statekit.StateID(StateAwaitingModel)
	stateToolRequested = statekit.StateID(StateToolRequested)
	stateFinished      = statekit.StateID(StateFinished)
	stateAborted       = statekit.StateID(StateAborted)
)

// machineContext is the per-session data the machine's actions update.
type machineContext struct {
	visited []State
}

func recordEntry(state State) func(**machineContext, statekit.Event) {
	return func(c **machineContext, _ statekit.Event) {
		if c == nil || *c == nil {
			return
		}
		(*c).visited = append((*c).visited, state)
	}
}

// newSessionMachine builds the session statechart:
//
//	started -> awaiting_model -> {tool_requested, finished, aborted}
//	tool_requested -> {awaiting_model, aborted}
func newSessionMachine() (*statekit.MachineConfig[*machineContext], error) {
	return statekit.NewMachine[*machineContext]("agent_session").
		WithInitial(stateStarted).
		WithContext(&machineContext{}).
		WithAction("enterStarted", recordEntry(StateStarted)).
		WithAction("enterAwaitingModel", recordEntry(StateAwaitingModel)).
		WithAction("enterToolRequested", recordEntry(StateToolRequested)).
		WithAction("enterFinished", recordEntry(StateFinished)).
		WithAction("enterAborted", recordEntry(StateAborted)).
		State(stateStarted).
		OnEntry("enterStarted").
		On(eventPrompt).Target(stateAwaitingModel).
		On(eventAbort).Target(stateAborted).
		Done().
		State(stateAwaitingModel).
		OnEntry("enterAwaitingModel").
		On(eventToolCalls).Target(stateToolRequested).
		On(eventAnswer).Target(stateFinished).
		On(eventAbort).Target(stateAborted).
		Done().
		State(stateToolRequested).
		OnEntry("enterToolRequested").
		On(eventToolResults).Target(stateAwaitingModel).
		On(eventAbort).Target(stateAborted).
		Done().
		State(stateFinished).
		Final().
		OnEntry("enterFinished").
		Done().
		State(stateAborted).
		Final().
		OnEntry("enterAborted").
		Done().
		Build()
}

// sessionMachine drives one session through the statechart.
type sessionMachine struct {
	interp *statekit.Interpreter[*machineContext]
	ctx    *machineContext
}

func startSession(config *statekit.MachineConfig[*machineContext]) *sessionMachine {
	mc := &machineContext{}
	interp := statekit.NewInterpreter(config)
	interp.UpdateContext(func(c **machineContext) {
		*c = mc
	})
	interp.Start()
	return &sessionMachine{interp: interp, ctx: mc}
}

func (m *sessionMachine) send(event statekit.EventType) {
	m.interp.Send(statekit.Event{Type: event})
}

// State returns the current state.
func (m *sessionMachine) State() State {
	return State(m.interp.State().Value)
}

// Visited returns every state entered so far, in order.
func (m *sessionMachine) Visited() []State {
	return append([]State(nil), m.ctx.visited...)
}

func (m *sessionMachine) stop() {
	m.interp.Stop()
}
