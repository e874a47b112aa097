// Package dream runs the offline consolidation pass over recent records.
//
// A pass seeds a fixed set of candidate records, lets the model tidy them
// through a sandboxed tool view and always finishes by writing exactly one
// diary record describing what changed.
package dream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
)

const (
	DefaultLimit = 8
	MaxLimit     = 12

	// DefaultTimeout bounds a whole pass.
	DefaultTimeout = 10 * time.Minute

	minWindow         = 50
	windowPerCard     = 20
	maxCandidateChars = 2000
)

// excluded are never offered to the model.
var excluded = []string{
	guard.TagDreamPrompt,
	guard.TagSplitPrompt,
	guard.TagSystem,
	guard.TagPreference,
	guard.TagDreamDiary,
	guard.TagChat,
}

// ClampLimit applies the default and the 1..12 range.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

type Input struct {
	Limit int
	Model string
}

// Candidate is a record offered to the pass.
type Candidate struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// ToolCall is one audited tool invocation.
type ToolCall struct {
	Name   string `json:"name"`
	CallID string `json:"call_id"`
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
}

type Output struct {
	Candidates []Candidate `json:"candidates"`
	ToolCalls  []ToolCall  `json:"tool_calls"`
	Created    []string    `json:"created"`
	Updated    []string    `json:"updated"`
	Deleted    []string    `json:"deleted"`
	DiaryID    string      `json:"diary_id"`
	Reply      string      `json:"reply"`
	TimedOut   bool        `json:"timed_out,omitempty"`
}

// Pass runs dream passes. Concurrent calls to Run share one pass.
type Pass struct {
	// Timeout bounds the shared pass, independent of any one caller.
	Timeout time.Duration

	rt      *runtime.Runtime
	observe *observe.Observer
	now     func() time.Time
	group   singleflight.Group
}

func New(rt *runtime.Runtime) *Pass {
	return &Pass{
		Timeout: DefaultTimeout,
		rt:      rt,
		observe: rt.Observer(),
		now:     time.Now,
	}
}

// Run starts a pass, or joins the one already in flight. The pass is not
// tied to the caller that started it: a caller whose ctx ends gets ctx.Err()
// while the pass keeps running for the others, bounded by Timeout.
func (p *Pass) Run(ctx context.Context, in Input) (*Output, error) {
	ch := p.group.DoChan("dream", func() (any, error) {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return p.run(passCtx, in)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.observe.Log().Debug().Msg("joined running dream pass")
		}
		return res.Val.(*Output), nil
	}
}

func (p *Pass) run(ctx context.Context, in Input) (*Output, error) {
	ctx, span := p.observe.StartSpan(ctx, "dream.Pass")
	defer span.End()

	limit := ClampLimit(in.Limit)
	s := p.rt.Store()

	seeds, err := p.candidates(ctx, s, limit)
	if err != nil {
		return nil, err
	}
	out := &Output{Candidates: make([]Candidate, 0, len(seeds))}
	for _, rec := range seeds {
		out.Candidates = append(out.Candidates, Candidate{ID: rec.ID, Title: rec.Title})
	}
	p.observe.Log().Info().Int("candidates", len(seeds)).Int("limit", limit).Msg("dream pass started")

	audit := runtime.NewEventBus()
	audit.On(func(e runtime.Event) {
		call := ToolCall{}
		call.Name, _ = e.Data["tool"].(string)
		call.CallID, _ = e.Data["call_id"].(string)
		call.OK, _ = e.Data["ok"].(bool)
		call.Kind, _ = e.Data["kind"].(string)
		out.ToolCalls = append(out.ToolCalls, call)
		out.Created = appendIDs(out.Created, e.Data["created"])
		out.Updated = appendIDs(out.Updated, e.Data["updated"])
		out.Deleted = appendIDs(out.Deleted, e.Data["deleted"])
	}, runtime.EventToolCallEnd)

	var registry *tools.Registry
	if r := p.rt.Registry(); r != nil {
		registry = r.Without(tools.WebFetch, tools.DeleteThread).Sandboxed()
	}

	prompts := p.rt.Prompts()
	outcome, err := p.rt.RunLoop(ctx, runtime.LoopInput{
		System:     strings.TrimSpace(p.dreamPrompt(ctx, s) + "\n\n" + prompts.DreamRules),
		Transcript: []provider.Message{{Role: runtime.RoleUser, Content: candidateText(seeds)}},
		Model:      in.Model,
		Registry:   registry,
		Events:     audit,
	})
	if err != nil {
		return nil, err
	}
	out.Reply = strings.TrimSpace(outcome.Reply)
	out.TimedOut = outcome.TimedOut
	out.Created = unique(out.Created)
	out.Updated = unique(out.Updated)
	out.Deleted = unique(out.Deleted)

	diary, err := p.writeDiary(ctx, s, out)
	if err != nil {
		return nil, err
	}
	out.DiaryID = diary.ID
	p.rt.Invalidate()

	p.observe.Log().Info().
		Str("diary", diary.ID).
		Int("tool_calls", len(out.ToolCalls)).
		Int("created", len(out.Created)).
		Int("updated", len(out.Updated)).
		Int("deleted", len(out.Deleted)).
		Msg("dream pass finished")
	return out, nil
}

// candidates captures the seed set once, newest first.
func (p *Pass) candidates(ctx context.Context, s store.Storage, limit int) ([]store.Record, error) {
	window := max(minWindow, limit*windowPerCard)
	res, err := s.Query(ctx, store.Filter{Limit: window})
	if err != nil {
		return nil, fmt.Errorf("failed to load dream candidates: %w", err)
	}
	out := make([]store.Record, 0, limit)
	for _, rec := range res.Records {
		if hasAny(&rec, excluded) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// dreamPrompt prefers the newest *dream-prompt card over the pack default.
func (p *Pass) dreamPrompt(ctx context.Context, s store.Storage) string {
	res, err := s.Query(ctx, store.Filter{Tags: []string{guard.TagDreamPrompt}, Limit: 1})
	if err != nil {
		p.observe.Log().Warn().Err(err).Msg("failed to load dream prompt card")
	} else if len(res.Records) > 0 && strings.TrimSpace(res.Records[0].Body) != "" {
		return strings.TrimSpace(res.Records[0].Body)
	}
	return p.rt.Prompts().Dream
}

func candidateText(seeds []store.Record) string {
	if len(seeds) == 0 {
		return "There are no candidate records. Reply with a final directive."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate records (%d):\n", len(seeds))
	for i, rec := range seeds {
		body := rec.Body
		if r := []rune(body); len(r) > maxCandidateChars {
			body = string(r[:maxCandidateChars]) + "…"
		}
		fmt.Fprintf(&b, "\n#%d id=%s", i+1, rec.ID)
		if rec.Title != "" {
			fmt.Fprintf(&b, " title=%q", rec.Title)
		}
		if len(rec.Tags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(rec.Tags, ","))
		}
		fmt.Fprintf(&b, " content:\n%s\n", body)
	}
	return b.String()
}

func hasAny(rec *store.Record, tags []string) bool {
	for _, t := range tags {
		if rec.HasTag(t) {
			return true
		}
	}
	return false
}

func appendIDs(dst []string, v any) []string {
	ids, _ := v.([]string)
	return append(dst, ids...)
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
