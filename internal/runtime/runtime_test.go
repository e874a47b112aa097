package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
	"github.com/felixgeelhaar/enkidu/internal/webfetch"
)

const fakeKey = "sk-abcdefghijklmnopqrstuvwxyz123456"

type fixture struct {
	store  *store.SQLiteStore
	stub   *provider.StubProvider
	events []Event
	rt     *Runtime
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
	sem := semantic.New(stub, s, cache, nil)
	web := webfetch.New("test")
	g := guard.New(guard.ForDataDir(l.DataDir(), guard.DefaultPolicy))

	f := &fixture{store: s, stub: stub}
	f.rt = New(Deps{
		Store:     s,
		Guard:     g,
		Completer: stub,
		Registry: tools.New(tools.Deps{
			Store:    s,
			Guard:    g,
			Layout:   l,
			Index:    cache,
			Semantic: sem,
			Web:      web,
		}),
		Index:    cache,
		Semantic: sem,
		Web:      web,
	}, Config{})
	f.rt.Events().On(func(e Event) { f.events = append(f.events, e) })
	return f
}

func (f *fixture) thread(t *testing.T, id string) []store.Record {
	t.Helper()
	res, err := f.store.Query(context.Background(), store.Filter{ThreadID: id, Order: store.OrderCreatedAsc})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	return res.Records
}

func final(text string) string {
	return fmt.Sprintf(`{"enkidu_agent":{"type":"final","text":%q}}`, text)
}

func plan(text string) string {
	return fmt.Sprintf(`{"enkidu_agent":{"type":"plan","text":%q}}`, text)
}

func toolCall(name, args string) string {
	return fmt.Sprintf(`{"enkidu_agent":{"type":"tool_call","name":%q,"args":%s}}`, name, args)
}

func lastMessage(req provider.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

func TestClampIterations(t *testing.T) {
	cases := map[int]int{0: 6, -1: 6, 1: 4, 4: 4, 7: 7, 8: 8, 20: 8}
	for in, want := range cases {
		if got := ClampIterations(in); got != want {
			t.Errorf("ClampIterations(%d): Expected %d, got %d", in, want, got)
		}
	}
}

func TestRunLoop(t *testing.T) {
	ctx := context.Background()
	user := []provider.Message{{Role: RoleUser, Content: "hello"}}

	t.Run("Final Directive", func(t *testing.T) {
		f := newFixture(t, "Sure thing.\n"+final("Hi there"))
		out, err := f.rt.RunLoop(ctx, LoopInput{System: "sys", Transcript: user, Registry: f.rt.Registry()})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if out.Reply != "Hi there" {
			t.Errorf("Expected 'Hi there', got '%s'", out.Reply)
		}
		if out.Iterations != 1 || out.TimedOut || out.Fallback {
			t.Errorf("Unexpected outcome: %+v", out)
		}
		reqs := f.stub.Requests()
		if !strings.Contains(reqs[0].System, "Available tools:") {
			t.Error("Expected the tool manifest in the system prompt")
		}
	})

	t.Run("Raw Text Fallback", func(t *testing.T) {
		f := newFixture(t, "  Just an answer.  ")
		out, err := f.rt.RunLoop(ctx, LoopInput{Transcript: user})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if !out.Fallback || out.Reply != "Just an answer." {
			t.Errorf("Expected fallback 'Just an answer.', got %v '%s'", out.Fallback, out.Reply)
		}
	})

	t.Run("Unknown Tool Is Fed Back", func(t *testing.T) {
		f := newFixture(t, toolCall("launch_rockets", `{}`), final("ok"))
		out, err := f.rt.RunLoop(ctx, LoopInput{Transcript: user, Registry: f.rt.Registry()})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if len(out.ToolCalls) != 1 || !out.ToolCalls[0].IsError || out.ToolCalls[0].Kind != errs.KindProtocol {
			t.Fatalf("Expected one protocol tool error, got %+v", out.ToolCalls)
		}
		msg := lastMessage(f.stub.Requests()[1])
		if !strings.HasPrefix(msg, "TOOL_RESULT name=launch_rockets") || !strings.Contains(msg, "status=error") {
			t.Errorf("Expected error tool result to be fed back, got '%s'", msg)
		}
		if out.Reply != "ok" {
			t.Errorf("Expected 'ok', got '%s'", out.Reply)
		}
	})

	t.Run("Empty Directive Gets Protocol Feedback", func(t *testing.T) {
		f := newFixture(t, `{"enkidu_agent":{}}`, final(""), final("recovered"))
		out, err := f.rt.RunLoop(ctx, LoopInput{Transcript: user})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		reqs := f.stub.Requests()
		if len(reqs) != 3 {
			t.Fatalf("Expected 3 completions, got %d", len(reqs))
		}
		for i := 1; i < 3; i++ {
			if msg := lastMessage(reqs[i]); !strings.HasPrefix(msg, "PROTOCOL_ERROR:") {
				t.Errorf("Expected protocol feedback on request %d, got '%s'", i, msg)
			}
		}
		if out.Reply != "recovered" {
			t.Errorf("Expected 'recovered', got '%s'", out.Reply)
		}
	})

	t.Run("Plan Then Tool Then Final", func(t *testing.T) {
		f := newFixture(t,
			plan("create a note"),
			toolCall("create_record", `{"title":"Groceries","body":"milk and eggs","tags":["shopping"]}`),
			final("Saved."),
		)
		var turns []string
		out, err := f.rt.RunLoop(ctx, LoopInput{
			Transcript: user,
			Registry:   f.rt.Registry(),
			OnTurn: func(_ context.Context, turn Turn) error {
				turns = append(turns, turn.Role)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if len(out.Changes.Created) != 1 {
			t.Fatalf("Expected 1 created record, got %v", out.Changes.Created)
		}
		want := []string{RolePlan, RoleToolCall, RoleToolResult}
		if strings.Join(turns, ",") != strings.Join(want, ",") {
			t.Errorf("Expected turns %v, got %v", want, turns)
		}
		if msg := lastMessage(f.stub.Requests()[1]); msg != "PLAN_NOTED. Continue." {
			t.Errorf("Expected plan acknowledgement, got '%s'", msg)
		}
		if out.Iterations != 3 {
			t.Errorf("Expected 3 iterations, got %d", out.Iterations)
		}
	})

	t.Run("Ceiling Times Out", func(t *testing.T) {
		var script []string
		for i := 0; i < 10; i++ {
			script = append(script, plan(fmt.Sprintf("step %d", i)))
		}
		f := newFixture(t, script...)
		out, err := f.rt.RunLoop(ctx, LoopInput{Transcript: user, MaxIterations: 4})
		if err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if !out.TimedOut {
			t.Error("Expected TimedOut")
		}
		if n := len(f.stub.Requests()); n != 4 {
			t.Errorf("Expected 4 completions, got %d", n)
		}
		if out.Reply != plan("step 3") {
			t.Errorf("Expected last raw reply, got '%s'", out.Reply)
		}
	})

	t.Run("Provider Failure Aborts", func(t *testing.T) {
		f := newFixture(t)
		f.stub.Err = errors.New("connection refused")
		_, err := f.rt.RunLoop(ctx, LoopInput{Transcript: user})
		if kind := errs.KindOf(err); kind != errs.KindUpstream {
			t.Errorf("Expected upstream error, got '%s' (%v)", kind, err)
		}
	})

	t.Run("Run Events", func(t *testing.T) {
		f := newFixture(t, toolCall("search_records", `{"query":"x"}`), final("none"))
		run := NewEventBus()
		var runEvents []EventType
		run.On(func(e Event) { runEvents = append(runEvents, e.Type) })

		if _, err := f.rt.RunLoop(ctx, LoopInput{RunID: "r1", Transcript: user, Registry: f.rt.Registry(), Events: run}); err != nil {
			t.Fatalf("RunLoop failed: %v", err)
		}
		if len(runEvents) != len(f.events) {
			t.Errorf("Expected run bus and runtime bus to match, got %d and %d", len(runEvents), len(f.events))
		}
		if runEvents[len(runEvents)-1] != EventLoopTerminal {
			t.Errorf("Expected last event loop_terminal, got %s", runEvents[len(runEvents)-1])
		}
		for _, e := range f.events {
			if e.RunID != "r1" {
				t.Errorf("Expected run id 'r1', got '%s'", e.RunID)
			}
		}
	})
}

func TestChat(t *testing.T) {
	ctx := context.Background()

	t.Run("Persists Both Turns", func(t *testing.T) {
		f := newFixture(t, final("Hello!"), final("Again!"))
		out, err := f.rt.Chat(ctx, ChatInput{Message: "hi"})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if out.ThreadID == "" || out.UserID == "" || out.AssistantID == "" {
			t.Fatalf("Expected ids, got %+v", out)
		}
		if len(out.Written) != 2 {
			t.Errorf("Expected 2 written ids, got %v", out.Written)
		}
		recs := f.thread(t, out.ThreadID)
		if len(recs) != 2 || recs[0].Annotations["role"] != RoleUser || recs[1].Annotations["role"] != RoleAssistant {
			t.Fatalf("Unexpected thread records: %+v", recs)
		}
		if !recs[0].HasTag(guard.TagChat) {
			t.Error("Expected chat tag")
		}

		if _, err := f.rt.Chat(ctx, ChatInput{Message: "again", ThreadID: out.ThreadID}); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		msgs := f.stub.Requests()[1].Messages
		if len(msgs) != 3 || msgs[0].Content != "hi" || msgs[1].Content != "Hello!" {
			t.Errorf("Expected history replay, got %+v", msgs)
		}
	})

	t.Run("Blank Message", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.rt.Chat(ctx, ChatInput{Message: "   "})
		if kind := errs.KindOf(err); kind != errs.KindValidation {
			t.Errorf("Expected validation error, got '%s'", kind)
		}
	})

	t.Run("Secret In Message", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.rt.Chat(ctx, ChatInput{Message: "key " + fakeKey, ThreadID: "t-secret"})
		if kind := errs.KindOf(err); kind != errs.KindSecret {
			t.Errorf("Expected secret error, got '%s'", kind)
		}
		if recs := f.thread(t, "t-secret"); len(recs) != 0 {
			t.Errorf("Expected nothing written, got %d records", len(recs))
		}
		if n := len(f.stub.Requests()); n != 0 {
			t.Errorf("Expected no completion, got %d", n)
		}
	})

	t.Run("Secret In Reply", func(t *testing.T) {
		f := newFixture(t, final("here: "+fakeKey))
		out, err := f.rt.Chat(ctx, ChatInput{Message: "show me"})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if out.Blocked == "" || out.AssistantID != "" {
			t.Errorf("Expected blocked reply, got %+v", out)
		}
		if strings.Contains(out.Reply, fakeKey) {
			t.Error("Expected the secret to be withheld")
		}
		if recs := f.thread(t, out.ThreadID); len(recs) != 1 {
			t.Errorf("Expected only the user record, got %d", len(recs))
		}
	})

	t.Run("Agent Turns Persisted", func(t *testing.T) {
		f := newFixture(t, plan("look"), toolCall("search_records", `{"query":"milk"}`), final("Nothing found."))
		out, err := f.rt.Chat(ctx, ChatInput{Message: "any milk notes?"})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		recs := f.thread(t, out.ThreadID)
		var roles []string
		for _, r := range recs {
			roles = append(roles, r.Annotations["role"].(string))
		}
		want := "user,plan,tool_call,tool_result,assistant"
		if strings.Join(roles, ",") != want {
			t.Errorf("Expected roles %s, got %v", want, roles)
		}
		if len(out.Written) != 5 {
			t.Errorf("Expected 5 written ids, got %v", out.Written)
		}
	})

	t.Run("Web Tool Hidden Without Flag", func(t *testing.T) {
		f := newFixture(t, final("ok"), final("ok"))
		if _, err := f.rt.Chat(ctx, ChatInput{Message: "hi"}); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if _, err := f.rt.Chat(ctx, ChatInput{Message: "hi", Web: true}); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		reqs := f.stub.Requests()
		if strings.Contains(reqs[0].System, "- web_fetch:") {
			t.Error("Expected web_fetch to be hidden")
		}
		if !strings.Contains(reqs[1].System, "- web_fetch:") {
			t.Error("Expected web_fetch to be offered")
		}
	})

	t.Run("Context And Preferences", func(t *testing.T) {
		f := newFixture(t, final("ok"))
		pinned, _ := f.store.Create(ctx, &store.Record{Title: "Pinned", Body: "pinned context body"})
		f.store.Create(ctx, &store.Record{Body: "Answer in French.", Tags: []string{guard.TagPreference}})
		f.store.Create(ctx, &store.Record{Body: "You are a test assistant.", Tags: []string{guard.TagSystem}})

		if _, err := f.rt.Chat(ctx, ChatInput{Message: "hello", ContextIDs: []string{pinned.ID}}); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		req := f.stub.Requests()[0]
		if !strings.HasPrefix(req.System, "You are a test assistant.") {
			t.Errorf("Expected system record to override the prompt, got '%s'", preview(req.System, 80))
		}
		if !strings.Contains(req.System, "Answer in French.") {
			t.Error("Expected preference card in system prompt")
		}
		if msg := lastMessage(req); !strings.Contains(msg, "[Memory] Pinned") || !strings.HasSuffix(msg, "hello") {
			t.Errorf("Expected pinned context and message, got '%s'", msg)
		}
	})
}

func TestAutoCapture(t *testing.T) {
	ctx := context.Background()
	reply := "Noted.\n===CAPTURE=== {\"title\":\"Dentist\",\"text\":\"Appointment on Friday\",\"tags\":[\"health\"]}"
	f := newFixture(t, reply, reply)

	first, err := f.rt.Chat(ctx, ChatInput{Message: "remember the dentist", Mode: ModeSimple})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if first.CaptureID == "" {
		t.Fatal("Expected a capture record")
	}
	if first.Reply != "Noted." {
		t.Errorf("Expected 'Noted.', got '%s'", first.Reply)
	}

	second, err := f.rt.Chat(ctx, ChatInput{Message: "remember the dentist", Mode: ModeSimple})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if second.CaptureID != "" {
		t.Errorf("Expected no second capture, got '%s'", second.CaptureID)
	}

	res, err := f.store.Query(ctx, store.Filter{Tags: []string{guard.TagInbox}, WithCount: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("Expected 1 inbox record, got %d", res.Count)
	}
	rec := res.Records[0]
	if rec.Annotations["source"] != "auto_capture" || !rec.HasTag("health") {
		t.Errorf("Unexpected capture record: %+v", rec)
	}
}

func TestSimple(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>Weather</title></head><body><p>Sunny all week</p></body></html>")
	}))
	defer server.Close()
	fetch := "===WEB_FETCH=== " + server.URL

	t.Run("One Fetch", func(t *testing.T) {
		f := newFixture(t, fetch, "It will be sunny.")
		out, err := f.rt.Simple(ctx, SimpleInput{Transcript: []provider.Message{{Role: RoleUser, Content: "weather?"}}, Web: true})
		if err != nil {
			t.Fatalf("Simple failed: %v", err)
		}
		if out.Reply != "It will be sunny." || out.FetchedURL != server.URL {
			t.Errorf("Unexpected output: %+v", out)
		}
		if msg := lastMessage(f.stub.Requests()[1]); !strings.Contains(msg, "Sunny all week") {
			t.Errorf("Expected fetched text in the second request, got '%s'", msg)
		}
	})

	t.Run("Second Fetch Refused", func(t *testing.T) {
		f := newFixture(t, fetch, fetch)
		out, err := f.rt.Simple(ctx, SimpleInput{Transcript: []provider.Message{{Role: RoleUser, Content: "weather?"}}, Web: true})
		if err != nil {
			t.Fatalf("Simple failed: %v", err)
		}
		if out.Reply != SecondFetchRefusal || !out.Refused {
			t.Errorf("Expected refusal, got '%s'", out.Reply)
		}
		if n := len(f.stub.Requests()); n != 2 {
			t.Errorf("Expected 2 completions, got %d", n)
		}
	})

	t.Run("Web Disabled", func(t *testing.T) {
		f := newFixture(t, fetch)
		out, err := f.rt.Simple(ctx, SimpleInput{Transcript: []provider.Message{{Role: RoleUser, Content: "weather?"}}})
		if err != nil {
			t.Fatalf("Simple failed: %v", err)
		}
		if !strings.HasPrefix(out.Reply, "Web access is disabled") || out.FetchedURL != "" {
			t.Errorf("Unexpected output: %+v", out)
		}
	})

	t.Run("No Fetch", func(t *testing.T) {
		f := newFixture(t, "  plain answer ")
		out, err := f.rt.Simple(ctx, SimpleInput{Transcript: []provider.Message{{Role: RoleUser, Content: "hi"}}, Web: true})
		if err != nil {
			t.Fatalf("Simple failed: %v", err)
		}
		if out.Reply != "plain answer" {
			t.Errorf("Expected 'plain answer', got '%s'", out.Reply)
		}
	})
}

func TestThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	add := func(thread, body string, ann map[string]any, at time.Time) {
		if _, err := f.store.Create(ctx, &store.Record{
			Body:        body,
			Tags:        []string{guard.TagChat},
			ThreadID:    thread,
			Annotations: ann,
			CreatedAt:   at,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	add("old", "first question about gardening", map[string]any{"role": "user"}, base)
	add("old", "answer", map[string]any{"role": "assistant"}, base.Add(time.Minute))
	add("new", "trip planning", map[string]any{"role": "user", "thread_title": "Trip to Rome"}, base.Add(time.Hour))

	threads, err := f.rt.Threads(ctx, 0)
	if err != nil {
		t.Fatalf("Threads failed: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("Expected 2 threads, got %d", len(threads))
	}
	if threads[0].ID != "new" || threads[0].Title != "Trip to Rome" {
		t.Errorf("Expected newest thread first, got %+v", threads[0])
	}
	if threads[1].Turns != 2 || threads[1].Title != "first question about gardening" {
		t.Errorf("Unexpected summary: %+v", threads[1])
	}
	if !threads[1].LastActivity.Equal(base.Add(time.Minute)) {
		t.Errorf("Expected last activity %v, got %v", base.Add(time.Minute), threads[1].LastActivity)
	}

	limited, _ := f.rt.Threads(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("Expected 1 thread, got %d", len(limited))
	}
}

func TestThreadHistory_SkipsToolTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	add := func(role, body string) {
		t.Helper()
		_, err := f.store.Create(ctx, &store.Record{
			Body:        body,
			Tags:        []string{guard.TagChat},
			ThreadID:    "busy",
			Annotations: map[string]any{"role": role},
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	for turn := 1; turn <= 3; turn++ {
		add(RoleUser, fmt.Sprintf("question %d", turn))
		for i := 0; i < 30; i++ {
			add("tool_result", fmt.Sprintf(`{"turn":%d,"call":%d}`, turn, i))
		}
		add(RoleAssistant, fmt.Sprintf("answer %d", turn))
	}

	history, err := f.rt.threadHistory(ctx, "busy")
	if err != nil {
		t.Fatalf("threadHistory failed: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("Expected 6 turns, got %d", len(history))
	}
	if history[0].Content != "question 1" || history[0].Role != RoleUser {
		t.Errorf("Expected 'question 1' first, got '%s'", history[0].Content)
	}
	if history[5].Content != "answer 3" || history[5].Role != RoleAssistant {
		t.Errorf("Expected 'answer 3' last, got '%s'", history[5].Content)
	}
}

func TestThreadHistory_Limit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 25; i++ {
		f.store.Create(ctx, &store.Record{
			Body:        fmt.Sprintf("message %d", i),
			Tags:        []string{guard.TagChat},
			ThreadID:    "long",
			Annotations: map[string]any{"role": RoleUser},
		})
	}

	history, err := f.rt.threadHistory(ctx, "long")
	if err != nil {
		t.Fatalf("threadHistory failed: %v", err)
	}
	if len(history) != DefaultHistoryLimit {
		t.Fatalf("Expected %d turns, got %d", DefaultHistoryLimit, len(history))
	}
	if history[0].Content != "message 6" {
		t.Errorf("Expected 'message 6' first, got '%s'", history[0].Content)
	}
}

func TestResultText_TruncatesOnRunes(t *testing.T) {
	payload := `"` + strings.Repeat("é", maxResultChars+5) + `"`
	text := resultText(tools.Result{Name: "get_record", CallID: "c1", Payload: []byte(payload)})

	if !utf8.ValidString(text) {
		t.Fatal("Expected truncated result to stay valid UTF-8")
	}
	if !strings.HasSuffix(text, "…(truncated)") {
		t.Errorf("Expected truncation marker, got suffix '%s'", text[len(text)-20:])
	}
	body := strings.SplitN(text, "\n", 2)[1]
	if n := utf8.RuneCountInString(strings.TrimSuffix(body, "…(truncated)")); n != maxResultChars {
		t.Errorf("Expected %d runes kept, got %d", maxResultChars, n)
	}
}
