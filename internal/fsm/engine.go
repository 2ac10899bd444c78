package fsm

import (
	"errors"
	"fmt"

	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// DefaultMaxSteps bounds MoveForward chains within one invocation
const DefaultMaxSteps = 32

// State is the persisted position of a machine
type State struct {
	Node      string
	Status    Status
	Variables Variables
}

// Result is the outcome of one engine invocation
type Result struct {
	State   State
	Actions []Action
	Steps   int
}

// AsyncAction returns the RAG or plugin call that suspended the turn, if any
func (r Result) AsyncAction() Action {
	for _, a := range r.Actions {
		if IsAsync(a) {
			return a
		}
	}
	return nil
}

// Engine drives a machine from one event to the next terminal-for-turn status
type Engine struct {
	MaxSteps int
}

// NewEngine creates an engine; maxSteps <= 0 uses DefaultMaxSteps
func NewEngine(maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Engine{MaxSteps: maxSteps}
}

func engineError(code, format string, args ...any) error {
	return apperrors.NewEngineError(code, fmt.Sprintf(format, args...))
}

// Run applies event to state. It performs no I/O; the caller persists the
// returned state and executes the actions in order.
func (e *Engine) Run(m Machine, state State, event Event, config map[string]any) (Result, error) {
	if m == nil {
		return Result{}, engineError("MACHINE_MISSING", "no machine to run")
	}
	if event == nil {
		return Result{}, engineError("EVENT_MISSING", "no event to apply")
	}

	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	node, status, vars := state.Node, state.Status, state.Variables.Clone()

	// A finished conversation starts over from the initial node.
	if status == End || status == WaitForMe || status == MoveForward {
		node, status = "", WaitForUserInput
	}

	event, err := admit(status, event)
	if err != nil {
		return Result{}, err
	}

	// A machine interrupted by user input may keep waiting on the call it
	// already issued; its token is still outstanding.
	var stillAwaiting Status = -1
	if ev, ok := event.(UnexpectedInput); ok {
		stillAwaiting = ev.Awaiting
	}

	var actions []Action
	for step := 1; ; step++ {
		if step > maxSteps {
			return Result{}, engineError("STEP_LIMIT", "machine did not settle within %d steps at node %q", maxSteps, node)
		}

		out, err := m.Step(Input{
			Node:      node,
			Status:    status,
			Variables: vars.Clone(),
			Event:     event,
			Config:    config,
		})
		if err != nil {
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				return Result{}, err
			}
			wrapped := apperrors.NewEngineError("MACHINE_FAILED", fmt.Sprintf("machine failed at node %q", node))
			wrapped.Err = err
			return Result{}, wrapped
		}

		node, status = out.Node, out.Status
		vars = out.Variables
		if vars == nil {
			vars = Variables{}
		}

		var async Action
		reset := false
		for _, a := range out.Actions {
			if a == nil {
				return Result{}, engineError("NIL_ACTION", "machine emitted a nil action at node %q", node)
			}
			if err := a.validate(); err != nil {
				return Result{}, err
			}
			switch v := a.(type) {
			case ConversationReset:
				vars = Variables{}
				node = ""
				reset = true
			case LanguageChange:
				vars[LanguageKey] = v.Language()
			case RAGCall, PluginCall:
				if async != nil {
					return Result{}, engineError("MULTIPLE_ASYNC_ACTIONS", "machine emitted more than one async action at node %q", node)
				}
				async = a
			}
			actions = append(actions, a)
		}

		switch {
		case reset && async != nil:
			return Result{}, engineError("RESET_WITH_ASYNC", "conversation reset cannot be combined with an async action")
		case reset:
			return Result{State: State{Node: node, Status: End, Variables: vars}, Actions: actions, Steps: step}, nil
		case async != nil:
			status = WaitForCallback
			if _, ok := async.(PluginCall); ok {
				status = WaitForPlugin
			}
			return Result{State: State{Node: node, Status: status, Variables: vars}, Actions: actions, Steps: step}, nil
		}

		switch status {
		case WaitForUserInput, End:
			return Result{State: State{Node: node, Status: status, Variables: vars}, Actions: actions, Steps: step}, nil
		case WaitForCallback, WaitForPlugin:
			if step == 1 && status == stillAwaiting {
				return Result{State: State{Node: node, Status: status, Variables: vars}, Actions: actions, Steps: step}, nil
			}
			return Result{}, engineError("MISSING_ASYNC_ACTION", "machine reported %s at node %q without issuing a call", status, node)
		case MoveForward, WaitForMe:
			event = Continue{}
		default:
			return Result{}, engineError("UNKNOWN_STATUS", "machine reported unknown status %d at node %q", int(status), node)
		}
	}
}

// admit checks that event fits the persisted status, turning a user message
// that interrupts a pending callback into UnexpectedInput
func admit(status Status, event Event) (Event, error) {
	switch ev := event.(type) {
	case UserMessage:
		if ev.Message == nil {
			return nil, apperrors.NewValidationError("INVALID_MESSAGE", "user message has no content")
		}
		if err := ev.Message.Validate(); err != nil {
			return nil, err
		}
		if status.Awaiting() {
			return UnexpectedInput{Awaiting: status, Message: ev.Message}, nil
		}
	case RAGResult:
		if status != WaitForCallback {
			return nil, engineError("CALLBACK_NOT_AWAITED", "retrieval result arrived while machine is %s", status)
		}
	case PluginResult:
		if status != WaitForPlugin {
			return nil, engineError("CALLBACK_NOT_AWAITED", "plugin result arrived while machine is %s", status)
		}
	}
	return event, nil
}
