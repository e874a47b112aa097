package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/enkidu/internal/envelope"
	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
)

// Mode selects how a chat turn is answered.
type Mode int

const (
	ModeAgent Mode = iota
	ModeSimple
)

func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "agent"
}

// ParseMode maps "agent", "simple" or "" (agent) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "agent":
		return ModeAgent, nil
	case "simple":
		return ModeSimple, nil
	}
	return ModeAgent, errs.Invalid("mode", "must be agent or simple, got %q", s)
}

// maxContextChars bounds each context record's body in the prompt.
const maxContextChars = 4000

// ChatInput is one user turn.
type ChatInput struct {
	Message      string
	ThreadID     string
	Model        string
	ContextIDs   []string
	Web          bool
	AllowSecrets bool
	Mode         Mode
}

// ChatOutput is the answer to a turn and every record id it wrote.
type ChatOutput struct {
	Reply       string   `json:"reply"`
	ThreadID    string   `json:"thread_id"`
	Written     []string `json:"written"`
	UserID      string   `json:"user_id"`
	AssistantID string   `json:"assistant_id,omitempty"`
	CaptureID   string   `json:"capture_id,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty"`
	// Blocked carries the secret screen reason when the reply was withheld.
	Blocked string `json:"blocked,omitempty"`
}

// Chat runs one chat turn: it saves the user message, assembles context,
// answers in agent or simple mode and saves the reply.
func (r *Runtime) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	ctx, span := r.observe.StartSpan(ctx, "Chat")
	defer span.End()

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, errs.Invalid("message", "is required")
	}

	// 1. Secret screen on the message
	screen := r.guard.WithAllowSecrets(in.AllowSecrets)
	if err := screen.ScreenSecrets(message); err != nil {
		return nil, err
	}

	// 2. Thread
	out := &ChatOutput{ThreadID: strings.TrimSpace(in.ThreadID)}
	if out.ThreadID == "" {
		out.ThreadID = uuid.NewString()
	}
	r.ui.UpdateStatus("Loading thread")

	// 3. History
	history, err := r.threadHistory(ctx, out.ThreadID)
	if err != nil {
		return nil, err
	}

	// 4. User record
	userRec, err := r.saveTurn(ctx, out.ThreadID, RoleUser, message)
	if err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	out.UserID = userRec.ID
	out.Written = append(out.Written, userRec.ID)

	// 5. Context
	r.ui.UpdateStatus("Retrieving context")
	system, userContent := r.buildContext(ctx, message, in.ContextIDs)
	transcript := append(history, provider.Message{Role: RoleUser, Content: userContent})

	r.observe.Log().Info().
		Str("thread", out.ThreadID).
		Str("mode", in.Mode.String()).
		Int("history", len(history)).
		Msg("answering chat turn")

	// 6. Answer
	r.ui.UpdateStatus("Thinking")
	var reply string
	switch in.Mode {
	case ModeSimple:
		res, err := r.Simple(ctx, SimpleInput{
			System:     system + "\n\n" + r.prompts.Simple,
			Transcript: transcript,
			Model:      in.Model,
			Web:        in.Web,
		})
		if err != nil {
			return nil, err
		}
		reply = res.Reply

	default:
		var view *tools.Registry
		if r.registry != nil {
			view = r.registry.WithAllowSecrets(in.AllowSecrets)
			if !in.Web {
				view = view.Without(tools.WebFetch)
			}
		}
		outcome, err := r.RunLoop(ctx, LoopInput{
			System:     system + "\n\n" + r.prompts.AgentRules,
			Transcript: transcript,
			Model:      in.Model,
			Registry:   view,
			OnTurn: func(ctx context.Context, t Turn) error {
				rec, err := r.saveTurn(ctx, out.ThreadID, t.Role, t.Content)
				if err != nil {
					return err
				}
				out.Written = append(out.Written, rec.ID)
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		reply = outcome.Reply
		out.TimedOut = outcome.TimedOut
		out.Written = append(out.Written, outcome.Changes.Created...)
		out.Written = append(out.Written, outcome.Changes.Updated...)
	}

	// 7. Capture footer
	answer, capture, ok := envelope.ExtractCapture(reply)
	if ok {
		id, err := r.CaptureToInbox(ctx, capture, in.AllowSecrets)
		switch {
		case err != nil:
			r.observe.Log().Warn().Str("kind", errs.KindOf(err)).Err(err).Msg("auto-capture skipped")
		case id != "":
			out.CaptureID = id
			out.Written = append(out.Written, id)
		}
	}
	if answer == "" {
		answer = strings.TrimSpace(reply)
	}

	// 8. Secret screen on the reply
	if err := screen.ScreenSecrets(answer); err != nil {
		var sd *errs.SecretDetected
		reason := err.Error()
		if errors.As(err, &sd) {
			reason = sd.Reason
		}
		out.Blocked = reason
		out.Reply = fmt.Sprintf("The reply was not saved because it looks like it contains a secret (%s). Ask again with secrets allowed if this is intended.", reason)
		r.events.Emit(EventWriteBlocked, out.ThreadID, map[string]any{"reason": reason})
		return out, nil
	}

	// 9. Assistant record
	asst, err := r.saveTurn(ctx, out.ThreadID, RoleAssistant, answer)
	if err != nil {
		return nil, fmt.Errorf("failed to save assistant reply: %w", err)
	}
	out.AssistantID = asst.ID
	out.Written = append(out.Written, asst.ID)
	out.Reply = answer
	r.ui.UpdateStatus("Done")
	return out, nil
}

// threadHistory returns the last HistoryLimit user/assistant turns, oldest
// first. Plan and tool turns are not replayed and do not count toward the
// limit, so the thread is read newest first in pages until enough turns are
// found.
func (r *Runtime) threadHistory(ctx context.Context, threadID string) ([]provider.Message, error) {
	want := r.cfg.HistoryLimit
	if want <= 0 {
		return nil, nil
	}
	page := want * historyPageFactor

	var newest []provider.Message
	for offset := 0; len(newest) < want; offset += page {
		res, err := r.store.Query(ctx, store.Filter{
			ThreadID: threadID,
			Tags:     []string{guard.TagChat},
			Limit:    page,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load thread: %w", err)
		}
		for _, rec := range res.Records {
			if msg, ok := historyMessage(rec); ok {
				newest = append(newest, msg)
				if len(newest) == want {
					break
				}
			}
		}
		if len(res.Records) < page {
			break
		}
	}

	out := make([]provider.Message, len(newest))
	for i, msg := range newest {
		out[len(newest)-1-i] = msg
	}
	return out, nil
}

// historyPageFactor sizes each history read relative to HistoryLimit.
const historyPageFactor = 4

func historyMessage(rec store.Record) (provider.Message, bool) {
	role, _ := rec.Annotations["role"].(string)
	switch role {
	case RoleAssistant:
	case RoleUser, "":
		role = RoleUser
	default:
		return provider.Message{}, false
	}
	if strings.TrimSpace(rec.Body) == "" {
		return provider.Message{}, false
	}
	return provider.Message{Role: role, Content: rec.Body}, true
}

func (r *Runtime) saveTurn(ctx context.Context, threadID, role, body string) (*store.Record, error) {
	rec, err := r.store.Create(ctx, &store.Record{
		Body:        body,
		Tags:        []string{guard.TagChat},
		ThreadID:    threadID,
		Annotations: map[string]any{"role": role},
	})
	if err != nil {
		return nil, err
	}
	r.events.Emit(EventRecordWritten, threadID, map[string]any{"id": rec.ID, "role": role})
	return rec, nil
}

// buildContext returns the system prompt (base prompt plus preference
// cards) and the user turn (context records plus the message).
func (r *Runtime) buildContext(ctx context.Context, message string, contextIDs []string) (string, string) {
	var system strings.Builder
	system.WriteString(r.systemPrompt(ctx))

	prefs, err := r.store.Query(ctx, store.Filter{
		Tags:  []string{guard.TagPreference},
		Limit: r.cfg.PreferenceLimit,
	})
	if err != nil {
		r.observe.Log().Warn().Err(err).Msg("failed to load preference cards")
	} else if len(prefs.Records) > 0 {
		system.WriteString("\n\nUser preferences:\n")
		for i, p := range prefs.Records {
			if i > 0 {
				system.WriteString("\n---\n")
			}
			system.WriteString(strings.TrimSpace(p.Body))
		}
	}

	seen := make(map[string]bool)
	var chunks []string
	add := func(rec *store.Record) {
		if seen[rec.ID] {
			return
		}
		seen[rec.ID] = true
		chunks = append(chunks, memoryChunk(rec))
	}

	for _, id := range contextIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			r.observe.Log().Warn().Str("id", id).Err(err).Msg("context record unavailable")
			continue
		}
		add(rec)
	}

	if r.semantic != nil {
		hits, err := r.semantic.Combined(ctx, message, r.cfg.ContextLimit)
		if err != nil {
			r.observe.Log().Warn().Err(err).Msg("context retrieval failed")
		}
		for _, h := range hits {
			rec, err := r.store.Get(ctx, h.ID)
			if err != nil {
				continue
			}
			add(rec)
		}
	} else if r.index != nil {
		hits, err := r.index.TopN(ctx, message, r.cfg.ContextLimit)
		if err != nil {
			r.observe.Log().Warn().Err(err).Msg("context retrieval failed")
		}
		for _, h := range hits {
			rec, err := r.store.Get(ctx, h.Entry.ID)
			if err != nil {
				continue
			}
			add(rec)
		}
	}

	var user strings.Builder
	if len(chunks) > 0 {
		user.WriteString("Relevant memories (may be incomplete):\n\n")
		user.WriteString(strings.Join(chunks, "\n\n"))
		user.WriteString("\n\n")
	}
	user.WriteString("User prompt:\n\n")
	user.WriteString(message)
	return system.String(), user.String()
}

// systemPrompt prefers the newest *system record over the pack's text.
func (r *Runtime) systemPrompt(ctx context.Context) string {
	res, err := r.store.Query(ctx, store.Filter{Tags: []string{guard.TagSystem}, Limit: 1})
	if err == nil && len(res.Records) > 0 && strings.TrimSpace(res.Records[0].Body) != "" {
		return strings.TrimSpace(res.Records[0].Body)
	}
	return r.prompts.System
}

func memoryChunk(rec *store.Record) string {
	title := rec.Title
	if title == "" {
		title = "Untitled"
	}
	body := strings.TrimSpace(rec.Body)
	if r := []rune(body); len(r) > maxContextChars {
		body = string(r[:maxContextChars]) + "…"
	}
	return strings.Join([]string{
		"[Memory] " + title,
		"Id: " + rec.ID,
		"Tags: " + strings.Join(rec.Tags, ", "),
		"---",
		body,
	}, "\n")
}
