package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/observe"
)

// Call is one tool request taken from a directive.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is the processed outcome of a call. Errors are carried in the
// payload so the loop can feed them back to the model.
type Result struct {
	CallID   string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	IsError  bool            `json:"is_error"`
	Kind     string          `json:"kind,omitempty"`
	Changes  Changes         `json:"changes"`
	Digest   string          `json:"digest"`
	Duration time.Duration   `json:"duration"`
}

type errorPayload struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatcher runs calls against a registry view.
type Dispatcher struct {
	registry *Registry
	observe  *observe.Observer
}

func NewDispatcher(r *Registry, o *observe.Observer) *Dispatcher {
	return &Dispatcher{registry: r, observe: observe.OrDiscard(o)}
}

// Registry returns the view the dispatcher executes against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Handle executes exactly one call. It never returns an error: failures,
// including unknown tools, become error payloads.
func (d *Dispatcher) Handle(ctx context.Context, call Call) Result {
	start := time.Now()

	// 1. Execute
	out, changes, err := d.registry.Execute(ctx, call.Name, call.Args)

	// 2. Encode payload
	res := Result{CallID: call.ID, Name: call.Name, Changes: changes}
	if err != nil {
		res.IsError = true
		res.Kind = errs.KindOf(err)
		res.Payload = ErrorPayload(err)
	} else if b, mErr := json.Marshal(out); mErr != nil {
		res.IsError = true
		res.Kind = errs.KindInternal
		res.Payload = ErrorPayload(mErr)
	} else {
		res.Payload = b
	}

	// 3. Digest for the audit trail
	h := sha256.Sum256(res.Payload)
	res.Digest = hex.EncodeToString(h[:8])
	res.Duration = time.Since(start)

	ev := d.observe.Log().Debug()
	if res.IsError {
		ev = d.observe.Log().Warn().Str("kind", res.Kind)
	}
	ev.Str("tool", call.Name).
		Str("call_id", call.ID).
		Int("created", len(changes.Created)).
		Int("updated", len(changes.Updated)).
		Int("deleted", len(changes.Deleted)).
		Msg("tool call handled")

	return res
}

// ErrorPayload renders err as {"error": {"kind": ..., "message": ...}}.
func ErrorPayload(err error) json.RawMessage {
	var p errorPayload
	p.Error.Kind = errs.KindOf(err)
	p.Error.Message = err.Error()
	b, _ := json.Marshal(p)
	return b
}
