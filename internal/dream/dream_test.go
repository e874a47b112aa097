package dream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
)

type fixture struct {
	store *store.SQLiteStore
	stub  *provider.StubProvider
	pass  *Pass
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	l := guard.NewLayout(t.TempDir())
	s, err := store.NewSQLiteStore(l.DatabasePath())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	stub := provider.NewStubProvider(responses...)
	cache := index.NewCache(s, l, nil)
	g := guard.New(guard.ForDataDir(l.DataDir(), guard.DefaultPolicy))
	rt := runtime.New(runtime.Deps{
		Store:     s,
		Guard:     g,
		Completer: stub,
		Registry:  tools.New(tools.Deps{Store: s, Guard: g, Layout: l, Index: cache}),
		Index:     cache,
	}, runtime.Config{})

	p := New(rt)
	p.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return &fixture{store: s, stub: stub, pass: p}
}

func (f *fixture) seed(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec, err := f.store.Create(context.Background(), &store.Record{
			Title:     fmt.Sprintf("Note %d", i),
			Body:      fmt.Sprintf("body of note %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func (f *fixture) diaries(t *testing.T) []store.Record {
	t.Helper()
	res, err := f.store.Query(context.Background(), store.Filter{Tags: []string{guard.TagDreamDiary}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	return res.Records
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 8, -3: 8, 1: 1, 12: 12, 13: 12}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d): Expected %d, got %d", in, want, got)
		}
	}
}

func TestPass_NoMutations(t *testing.T) {
	f := newFixture(t, `{"enkidu_agent":{"type":"final","text":"Everything looks tidy."}}`)
	f.seed(t, 10)

	out, err := f.pass.Run(context.Background(), Input{Limit: 8})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Candidates) != 8 {
		t.Errorf("Expected 8 candidates, got %d", len(out.Candidates))
	}
	if out.Candidates[0].Title != "Note 9" {
		t.Errorf("Expected newest candidate first, got '%s'", out.Candidates[0].Title)
	}
	if len(out.Created)+len(out.Updated)+len(out.Deleted) != 0 {
		t.Errorf("Expected no changes, got %+v", out)
	}

	diaries := f.diaries(t)
	if len(diaries) != 1 {
		t.Fatalf("Expected exactly 1 diary, got %d", len(diaries))
	}
	d := diaries[0]
	if d.ID != out.DiaryID {
		t.Errorf("Expected diary id '%s', got '%s'", out.DiaryID, d.ID)
	}
	if d.Title != "Dream diary (2026-05-04T03:02:01Z)" {
		t.Errorf("Unexpected diary title '%s'", d.Title)
	}
	if d.Annotations["kind"] != "dream" {
		t.Errorf("Expected kind 'dream', got %v", d.Annotations["kind"])
	}
	for _, key := range []string{"created", "updated", "deleted"} {
		list, ok := d.Annotations[key].([]any)
		if !ok || len(list) != 0 {
			t.Errorf("Expected empty %s list, got %v", key, d.Annotations[key])
		}
	}
	if !strings.Contains(d.Body, "Everything looks tidy.") {
		t.Error("Expected the rationale in the diary body")
	}
}

func TestPass_Update(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 3)
	target := ids[0]
	f.stub.Responses = []string{
		fmt.Sprintf(`{"enkidu_agent":{"type":"tool_call","name":"update_record","args":{"id":%q,"patch":{"title":"Merged note"}}}}`, target),
		`{"enkidu_agent":{"type":"delete_thread"}}`,
		`{"enkidu_agent":{"type":"tool_call","name":"delete_thread","args":{"thread_id":"t1"}}}`,
		`{"enkidu_agent":{"type":"final","text":"Renamed one note."}}`,
	}

	out, err := f.pass.Run(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Updated) != 1 || out.Updated[0] != target {
		t.Errorf("Expected updated [%s], got %v", target, out.Updated)
	}
	if len(out.ToolCalls) != 2 {
		t.Fatalf("Expected 2 audited tool calls, got %d", len(out.ToolCalls))
	}
	if !out.ToolCalls[0].OK {
		t.Error("Expected update_record to succeed")
	}
	if out.ToolCalls[1].OK || out.ToolCalls[1].Kind != errs.KindProtocol {
		t.Errorf("Expected delete_thread to be refused, got %+v", out.ToolCalls[1])
	}

	rec, err := f.store.Get(context.Background(), target)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Title != "Merged note" {
		t.Errorf("Expected 'Merged note', got '%s'", rec.Title)
	}

	d := f.diaries(t)[0]
	updated, _ := d.Annotations["updated"].([]any)
	if len(updated) != 1 || updated[0] != target {
		t.Errorf("Expected diary to list the update, got %v", d.Annotations["updated"])
	}
	if !strings.Contains(d.Body, "| 2 | delete_thread | no (protocol) |") {
		t.Errorf("Expected refused call in the tool table, got:\n%s", d.Body)
	}
}

func TestPass_Candidates(t *testing.T) {
	f := newFixture(t, `{"enkidu_agent":{"type":"final","text":"ok"}}`)
	ctx := context.Background()
	f.seed(t, 2)
	f.store.Create(ctx, &store.Record{Body: "Be bold when merging notes.", Tags: []string{guard.TagDreamPrompt}})
	f.store.Create(ctx, &store.Record{Body: "Answer briefly.", Tags: []string{guard.TagPreference}})
	f.store.Create(ctx, &store.Record{Body: "hi", Tags: []string{guard.TagChat}, ThreadID: "t1"})

	out, err := f.pass.Run(ctx, Input{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Candidates) != 2 {
		t.Errorf("Expected only the 2 notes as candidates, got %+v", out.Candidates)
	}

	req := f.stub.Requests()[0]
	if !strings.HasPrefix(req.System, "Be bold when merging notes.") {
		t.Errorf("Expected the dream prompt card, got '%s'", req.System)
	}
	if strings.Contains(req.System, "- web_fetch:") || strings.Contains(req.System, "- delete_thread:") {
		t.Error("Expected web_fetch and delete_thread to be hidden")
	}
	if msg := req.Messages[0].Content; !strings.Contains(msg, "#1 id=") || !strings.Contains(msg, "body of note 1") {
		t.Errorf("Unexpected candidate text: %s", msg)
	}
}

func TestPass_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	f.stub.Delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	outs := make([]*Output, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.pass.Run(context.Background(), Input{})
			if err != nil {
				t.Errorf("Run failed: %v", err)
				return
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()

	if outs[0] == nil || outs[1] == nil {
		t.Fatal("Expected both callers to get an output")
	}
	if outs[0].DiaryID != outs[1].DiaryID {
		t.Errorf("Expected a shared pass, got diaries %s and %s", outs[0].DiaryID, outs[1].DiaryID)
	}
	if n := len(f.diaries(t)); n != 1 {
		t.Errorf("Expected 1 diary, got %d", n)
	}
}

func TestPass_StarterCancelDoesNotAbortJoiners(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	f.stub.Delay = 150 * time.Millisecond

	starterCtx, cancel := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() {
		_, err := f.pass.Run(starterCtx, Input{})
		starterErr <- err
	}()
	time.Sleep(30 * time.Millisecond)

	joined := make(chan *Output, 1)
	go func() {
		out, err := f.pass.Run(context.Background(), Input{})
		if err != nil {
			t.Errorf("Expected joiner to finish, got %v", err)
		}
		joined <- out
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the starter to see context.Canceled, got %v", err)
	}
	out := <-joined
	if out == nil || out.DiaryID == "" {
		t.Fatalf("Expected the joiner to get the diary, got %+v", out)
	}
	if n := len(f.diaries(t)); n != 1 {
		t.Errorf("Expected 1 diary, got %d", n)
	}
}

func TestPass_Timeout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	f.stub.Delay = 200 * time.Millisecond
	f.pass.Timeout = 20 * time.Millisecond

	_, err := f.pass.Run(context.Background(), Input{})
	if err == nil {
		t.Fatal("Expected the pass to fail once its timeout passed")
	}
	if n := len(f.diaries(t)); n != 0 {
		t.Errorf("Expected no diary from a timed-out pass, got %d", n)
	}
}
