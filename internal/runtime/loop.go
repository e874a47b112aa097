package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/enkidu/internal/envelope"
	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/tools"
)

// maxResultChars bounds a tool result inside the transcript.
const maxResultChars = 20000

// Transcript roles persisted on agent-mode chat records.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RolePlan       = "plan"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
)

// Turn is a loop step worth persisting: a plan, a tool call or its result.
type Turn struct {
	Role    string
	Content string
	Call    *tools.Call
	Result  *tools.Result
}

// LoopInput configures one RunLoop invocation.
type LoopInput struct {
	RunID      string
	System     string
	Transcript []provider.Message
	Model      string
	// Registry is the tool view the model may call. Nil means no tools.
	Registry      *tools.Registry
	MaxIterations int
	// Events receives this run's events in addition to the runtime bus.
	Events *EventBus
	// OnTurn is called after each plan, tool call and tool result.
	OnTurn func(ctx context.Context, t Turn) error
}

// LoopOutcome is the terminal state of a loop.
type LoopOutcome struct {
	RunID      string
	Reply      string
	Iterations int
	TimedOut   bool
	// Fallback is set when the reply is raw model text without a directive.
	Fallback   bool
	ToolCalls  []tools.Result
	Changes    tools.Changes
	Transcript []provider.Message
	Usage      provider.Usage
}

// RunLoop drives the completion capability until a final directive, an
// unparseable reply or the iteration ceiling. Tool failures are fed back to
// the model; only a completion failure aborts the loop.
func (r *Runtime) RunLoop(ctx context.Context, in LoopInput) (*LoopOutcome, error) {
	ctx, span := r.observe.StartSpan(ctx, "RunLoop")
	defer span.End()

	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	ceiling := r.cfg.MaxIterations
	if in.MaxIterations > 0 {
		ceiling = ClampIterations(in.MaxIterations)
	}
	budget := guard.New(guard.Policy{MaxIterations: ceiling})
	bus := r.events.Tee(in.Events)

	system := in.System
	var dispatcher *tools.Dispatcher
	if in.Registry != nil {
		system = strings.TrimSpace(system + "\n\n" + in.Registry.ManifestText())
		dispatcher = tools.NewDispatcher(in.Registry, r.observe)
	}

	state := newLoopState(in.RunID, in.Transcript)
	out := &LoopOutcome{RunID: in.RunID}

	finish := func(reply string) (*LoopOutcome, error) {
		state.Transition(StateTerminal)
		out.Reply = reply
		out.Iterations = state.Iteration
		out.Transcript = state.Transcript()
		out.Usage = provider.Usage{
			PromptTokens:     state.TotalPromptTokens,
			CompletionTokens: state.TotalOutputTokens,
			TotalTokens:      state.TotalPromptTokens + state.TotalOutputTokens,
		}
		bus.Emit(EventLoopTerminal, in.RunID, map[string]any{
			"iterations": out.Iterations,
			"timed_out":  out.TimedOut,
			"fallback":   out.Fallback,
			"tool_calls": len(out.ToolCalls),
		})
		return out, nil
	}

	for {
		iteration := state.NextIteration()
		iterLog := r.observe.Log().With().Int("iteration", iteration).Logger()

		if v := budget.CheckBudget(iteration); v != nil {
			iterLog.Warn().Str("violation", v.Rule).Msg("iteration ceiling reached, using last reply")
			state.Iteration = ceiling
			out.TimedOut = true
			return finish(state.LastRaw)
		}

		r.ui.UpdateIteration(iteration, ceiling)
		bus.Emit(EventIterationStart, in.RunID, map[string]any{"iteration": iteration})

		// 1. Completion
		bus.Emit(EventProviderRequest, in.RunID, map[string]any{"turns": state.Len()})
		resp, err := r.completer.Complete(ctx, provider.Request{
			System:   system,
			Messages: state.Transcript(),
			Model:    in.Model,
		})
		if err != nil {
			iterLog.Error().Err(err).Msg("provider call failed")
			return nil, errs.Upstream(r.completer.Name(), "complete", err)
		}
		state.AddUsage(resp.Usage)
		state.LastRaw = resp.Content
		state.Append(RoleAssistant, resp.Content)
		bus.Emit(EventProviderResponse, in.RunID, map[string]any{
			"chars":  len(resp.Content),
			"tokens": resp.Usage.TotalTokens,
		})

		// 2. Directive
		res := envelope.ExtractDirective(resp.Content)
		if res.Status == envelope.None {
			iterLog.Info().Msg("no directive, using raw reply")
			out.Fallback = true
			return finish(strings.TrimSpace(resp.Content))
		}

		d := res.Directive
		switch {
		case res.Status == envelope.Empty:
			r.protocolFeedback(state, bus, in.RunID, "the enkidu_agent object is empty or has no type")

		case d.Type == envelope.TypeFinal:
			if strings.TrimSpace(d.Text) == "" {
				r.protocolFeedback(state, bus, in.RunID, "a final directive needs non-empty text")
				break
			}
			return finish(d.Text)

		case d.Type == envelope.TypePlan:
			r.ui.Log(fmt.Sprintf("Plan: %s", preview(d.Text, 120)))
			if err := emitTurn(ctx, in.OnTurn, Turn{Role: RolePlan, Content: d.Text}); err != nil {
				iterLog.Warn().Err(err).Msg("failed to persist plan turn")
			}
			state.Append(RoleUser, "PLAN_NOTED. Continue.")

		case d.Type == envelope.TypeToolCall:
			if strings.TrimSpace(d.Name) == "" {
				r.protocolFeedback(state, bus, in.RunID, "a tool_call directive needs a name")
				break
			}
			call := tools.Call{ID: d.ID, Name: d.Name, Args: d.Args}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call-%d", iteration)
			}
			if err := emitTurn(ctx, in.OnTurn, Turn{Role: RoleToolCall, Content: callText(call), Call: &call}); err != nil {
				iterLog.Warn().Err(err).Msg("failed to persist tool call turn")
			}

			state.Transition(StateExecutingTool)
			bus.Emit(EventToolCallStart, in.RunID, map[string]any{"tool": call.Name, "call_id": call.ID})
			r.ui.Log(fmt.Sprintf("Tool: %s", call.Name))

			var result tools.Result
			if dispatcher == nil {
				result = tools.Result{
					CallID:  call.ID,
					Name:    call.Name,
					IsError: true,
					Kind:    errs.KindProtocol,
					Payload: tools.ErrorPayload(&errs.ProtocolError{Message: "no tools are available"}),
				}
			} else {
				result = dispatcher.Handle(ctx, call)
			}
			out.ToolCalls = append(out.ToolCalls, result)
			out.Changes = mergeChanges(out.Changes, result.Changes)
			bus.Emit(EventToolCallEnd, in.RunID, map[string]any{
				"tool":    call.Name,
				"call_id": call.ID,
				"ok":      !result.IsError,
				"kind":    result.Kind,
				"digest":  result.Digest,
				"created": result.Changes.Created,
				"updated": result.Changes.Updated,
				"deleted": result.Changes.Deleted,
			})

			content := resultText(result)
			state.Append(RoleUser, content)
			if err := emitTurn(ctx, in.OnTurn, Turn{Role: RoleToolResult, Content: content, Call: &call, Result: &result}); err != nil {
				iterLog.Warn().Err(err).Msg("failed to persist tool result turn")
			}
			state.Transition(StateAwaitingDirective)

		default:
			r.protocolFeedback(state, bus, in.RunID, fmt.Sprintf("unknown directive type %q", d.Type))
		}

		bus.Emit(EventIterationEnd, in.RunID, map[string]any{"iteration": iteration})
	}
}

func (r *Runtime) protocolFeedback(state *LoopState, bus *EventBus, runID, msg string) {
	perr := &errs.ProtocolError{Message: msg, Raw: preview(state.LastRaw, 200)}
	bus.Emit(EventProtocolError, runID, map[string]any{"message": msg})
	r.observe.Log().Warn().Str("run", runID).Str("kind", errs.KindProtocol).Msg(msg)
	state.Append(RoleUser, fmt.Sprintf("PROTOCOL_ERROR: %s. Reply with exactly one %s object of type plan, tool_call or final.", perr.Message, envelope.Key))
}

func emitTurn(ctx context.Context, fn func(context.Context, Turn) error, t Turn) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, t)
}

func callText(c tools.Call) string {
	args := strings.TrimSpace(string(c.Args))
	if args == "" {
		args = "{}"
	}
	b, err := json.Marshal(map[string]any{"name": c.Name, "id": c.ID, "args": json.RawMessage(args)})
	if err != nil {
		return fmt.Sprintf(`{"name":%q,"id":%q}`, c.Name, c.ID)
	}
	return string(b)
}

func resultText(res tools.Result) string {
	status := "ok"
	if res.IsError {
		status = "error"
	}
	payload := string(res.Payload)
	if utf8.RuneCountInString(payload) > maxResultChars {
		payload = string([]rune(payload)[:maxResultChars]) + "…(truncated)"
	}
	return fmt.Sprintf("TOOL_RESULT name=%s id=%s status=%s\n%s", res.Name, res.CallID, status, payload)
}

func mergeChanges(a, b tools.Changes) tools.Changes {
	a.Created = append(a.Created, b.Created...)
	a.Updated = append(a.Updated, b.Updated...)
	a.Deleted = append(a.Deleted, b.Deleted...)
	return a
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
