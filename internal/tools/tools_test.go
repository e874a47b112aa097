package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/webfetch"
)

type fixture struct {
	store    *store.SQLiteStore
	layout   guard.Layout
	cache    *index.Cache
	sem      *semantic.Retriever
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := guard.NewLayout(t.TempDir())
	s, err := store.NewSQLiteStore(l.DatabasePath())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := index.NewCache(s, l, nil)
	sem := semantic.New(provider.NewStubProvider(), s, cache, nil)
	return &fixture{
		store:  s,
		layout: l,
		cache:  cache,
		sem:    sem,
		registry: New(Deps{
			Store:    s,
			Layout:   l,
			Index:    cache,
			Semantic: sem,
			Web:      webfetch.New("test"),
		}),
	}
}

func (f *fixture) add(t *testing.T, rec store.Record) *store.Record {
	t.Helper()
	out, err := f.store.Create(context.Background(), &rec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return out
}

func call(t *testing.T, r *Registry, name string, args string) Result {
	t.Helper()
	return NewDispatcher(r, nil).Handle(context.Background(), Call{ID: "c1", Name: name, Args: json.RawMessage(args)})
}

func decode(t *testing.T, res Result) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(res.Payload, &m); err != nil {
		t.Fatalf("Payload is not JSON: %v (%s)", err, res.Payload)
	}
	return m
}

func errorKind(t *testing.T, res Result) string {
	t.Helper()
	if !res.IsError {
		t.Fatalf("Expected an error result, got %s", res.Payload)
	}
	e, ok := decode(t, res)["error"].(map[string]any)
	if !ok {
		t.Fatalf("Expected error object, got %s", res.Payload)
	}
	return e["kind"].(string)
}

func TestRegistry_Manifest(t *testing.T) {
	f := newFixture(t)

	specs := f.registry.Manifest()
	if len(specs) != 12 {
		t.Fatalf("Expected 12 tools, got %d", len(specs))
	}
	for i := 1; i < len(specs); i++ {
		if specs[i-1].Name > specs[i].Name {
			t.Errorf("Manifest not sorted: %s before %s", specs[i-1].Name, specs[i].Name)
		}
	}

	restricted := f.registry.Without(WebFetch, DeleteThread)
	if len(restricted.Manifest()) != 10 {
		t.Errorf("Expected 10 tools in restricted view, got %d", len(restricted.Manifest()))
	}
	text := restricted.ManifestText()
	if strings.Contains(text, "web_fetch") || !strings.Contains(text, "- create_record:") {
		t.Errorf("Unexpected manifest text:\n%s", text)
	}
	if !strings.Contains(text, "Call at most one tool at a time") {
		t.Error("Expected tool calling rules in manifest text")
	}
	if len(f.registry.Manifest()) != 12 {
		t.Error("Expected restricting a view to leave the parent untouched")
	}
}

func TestDispatcher_Protocol(t *testing.T) {
	f := newFixture(t)

	t.Run("Unknown Tool", func(t *testing.T) {
		res := call(t, f.registry, "run_shell", `{}`)
		if kind := errorKind(t, res); kind != errs.KindProtocol {
			t.Errorf("Expected protocol error, got '%s'", kind)
		}
		if res.CallID != "c1" {
			t.Errorf("Expected call id to be echoed, got '%s'", res.CallID)
		}
	})

	t.Run("Disallowed Tool", func(t *testing.T) {
		res := call(t, f.registry.Without(WebFetch), "web_fetch", `{"url":"https://example.com"}`)
		if kind := errorKind(t, res); kind != errs.KindProtocol {
			t.Errorf("Expected protocol error, got '%s'", kind)
		}
	})

	t.Run("Args Not Object", func(t *testing.T) {
		res := call(t, f.registry, "get_record", `["x"]`)
		if kind := errorKind(t, res); kind != errs.KindValidation {
			t.Errorf("Expected validation error, got '%s'", kind)
		}
	})
}

func TestRecordTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.cache.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	var id string
	t.Run("Create", func(t *testing.T) {
		res := call(t, f.registry, "create_record", `{"title":"Tomatoes","body":"water deeply","tags":["garden","garden"],"annotations":{"source":"test"}}`)
		if res.IsError {
			t.Fatalf("create_record failed: %s", res.Payload)
		}
		if len(res.Changes.Created) != 1 {
			t.Fatalf("Expected 1 created id, got %v", res.Changes.Created)
		}
		id = res.Changes.Created[0]

		rec, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(rec.Tags) != 1 || rec.Annotations["source"] != "test" {
			t.Errorf("Unexpected stored record: %+v", rec)
		}
	})

	t.Run("Write Invalidates Index", func(t *testing.T) {
		hits, err := f.cache.TopN(ctx, "tomatoes", 5)
		if err != nil {
			t.Fatalf("TopN failed: %v", err)
		}
		if len(hits) != 1 || hits[0].Entry.ID != id {
			t.Errorf("Expected fresh index to contain the new record, got %v", hits)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		cases := map[string]string{
			"Blank Body":        `{"title":"x","body":"   "}`,
			"Title Too Long":    `{"title":"` + strings.Repeat("t", 301) + `","body":"b"}`,
			"Annotations Array": `{"body":"b","annotations":[1,2]}`,
			"Too Many Tags":     `{"body":"b","tags":[` + manyTags(51) + `]}`,
			"Next Id Not UUID":  `{"body":"b","next_id":"abc"}`,
			"Tags Wrong Type":   `{"body":"b","tags":"a,b"}`,
		}
		for name, args := range cases {
			t.Run(name, func(t *testing.T) {
				if kind := errorKind(t, call(t, f.registry, "create_record", args)); kind != errs.KindValidation {
					t.Errorf("Expected validation error, got '%s'", kind)
				}
			})
		}
		if kind := errorKind(t, call(t, f.registry, "get_record", `{"id":"not-a-uuid"}`)); kind != errs.KindValidation {
			t.Errorf("Expected validation error for bad id, got '%s'", kind)
		}
	})

	t.Run("Secret Screen", func(t *testing.T) {
		res := call(t, f.registry, "create_record", `{"body":"my key is sk-abcdefghijklmnopqrstuvwxyz123456"}`)
		if kind := errorKind(t, res); kind != errs.KindSecret {
			t.Errorf("Expected secret error, got '%s'", kind)
		}
		res = call(t, f.registry.WithAllowSecrets(true), "create_record", `{"body":"my key is sk-abcdefghijklmnopqrstuvwxyz123456"}`)
		if res.IsError {
			t.Errorf("Expected allow-secrets view to accept, got %s", res.Payload)
		}
	})

	t.Run("Get", func(t *testing.T) {
		res := call(t, f.registry, "get_record", `{"id":"`+id+`"}`)
		if res.IsError {
			t.Fatalf("get_record failed: %s", res.Payload)
		}
		rec := decode(t, res)["record"].(map[string]any)
		if rec["title"] != "Tomatoes" {
			t.Errorf("Expected title 'Tomatoes', got '%v'", rec["title"])
		}

		missing := call(t, f.registry, "get_record", `{"id":"00000000-0000-4000-8000-000000000000"}`)
		if kind := errorKind(t, missing); kind != errs.KindNotFound {
			t.Errorf("Expected not_found, got '%s'", kind)
		}
	})

	t.Run("Update", func(t *testing.T) {
		res := call(t, f.registry, "update_record", `{"id":"`+id+`","patch":{"body":"water deeply twice"}}`)
		if res.IsError {
			t.Fatalf("update_record failed: %s", res.Payload)
		}
		rec, _ := f.store.Get(ctx, id)
		if rec.Body != "water deeply twice" || rec.Title != "Tomatoes" {
			t.Errorf("Unexpected record after patch: %+v", rec)
		}

		blank := call(t, f.registry, "update_record", `{"id":"`+id+`","patch":{"body":""}}`)
		if kind := errorKind(t, blank); kind != errs.KindValidation {
			t.Errorf("Expected validation error for blank body, got '%s'", kind)
		}
		noPatch := call(t, f.registry, "update_record", `{"id":"`+id+`"}`)
		if kind := errorKind(t, noPatch); kind != errs.KindValidation {
			t.Errorf("Expected validation error for missing patch, got '%s'", kind)
		}
	})

	t.Run("Search", func(t *testing.T) {
		res := call(t, f.registry, "search_records", `{"query":"DEEPLY","tags":["garden"],"limit":"5"}`)
		if res.IsError {
			t.Fatalf("search_records failed: %s", res.Payload)
		}
		m := decode(t, res)
		if m["count"].(float64) != 1 {
			t.Errorf("Expected count 1, got %v", m["count"])
		}

		count := call(t, f.registry, "search_records", `{"count_only":true}`)
		m = decode(t, count)
		if _, ok := m["records"]; ok {
			t.Error("Expected count_only to omit records")
		}
		if m["count"].(float64) != 2 {
			t.Errorf("Expected count 2, got %v", m["count"])
		}
	})

	t.Run("Delete", func(t *testing.T) {
		res := call(t, f.registry, "delete_record", `{"id":"`+id+`"}`)
		if res.IsError {
			t.Fatalf("delete_record failed: %s", res.Payload)
		}
		if len(res.Changes.Deleted) != 1 {
			t.Errorf("Expected 1 deleted id, got %v", res.Changes.Deleted)
		}
		if _, err := f.store.Get(ctx, id); errs.KindOf(err) != errs.KindNotFound {
			t.Errorf("Expected record to be gone, got %v", err)
		}
	})
}

func manyTags(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = `"t` + strings.Repeat("x", i) + `"`
	}
	return strings.Join(parts, ",")
}

func TestSandbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sandboxed := f.registry.Sandboxed()

	turn := f.add(t, store.Record{Body: "hello", Tags: []string{guard.TagChat}, ThreadID: "t1"})
	note := f.add(t, store.Record{Body: "note"})

	t.Run("Memories Writable", func(t *testing.T) {
		res := call(t, sandboxed, "update_record", `{"id":"`+note.ID+`","patch":{"body":"note 2"}}`)
		if res.IsError {
			t.Errorf("Expected memory update to pass, got %s", res.Payload)
		}
	})

	t.Run("Instructions Writable", func(t *testing.T) {
		res := call(t, sandboxed, "create_record", `{"body":"be brief","tags":["*preference"]}`)
		if res.IsError {
			t.Errorf("Expected preference card create to pass, got %s", res.Payload)
		}
	})

	t.Run("Chat Turns Protected", func(t *testing.T) {
		res := call(t, sandboxed, "update_record", `{"id":"`+turn.ID+`","patch":{"body":"rewritten"}}`)
		if kind := errorKind(t, res); kind != errs.KindValidation {
			t.Errorf("Expected validation error, got '%s'", kind)
		}
		rec, _ := f.store.Get(ctx, turn.ID)
		if rec.Body != "hello" {
			t.Errorf("Expected chat turn untouched, got '%s'", rec.Body)
		}

		del := call(t, sandboxed, "delete_record", `{"id":"`+turn.ID+`"}`)
		if kind := errorKind(t, del); kind != errs.KindValidation {
			t.Errorf("Expected validation error on delete, got '%s'", kind)
		}
	})

	t.Run("Retag Into Thread Rejected", func(t *testing.T) {
		res := call(t, sandboxed, "update_record", `{"id":"`+note.ID+`","patch":{"tags":["*chat"],"thread_id":"t1"}}`)
		if kind := errorKind(t, res); kind != errs.KindValidation {
			t.Errorf("Expected validation error, got '%s'", kind)
		}
	})

	t.Run("Delete Thread Rejected", func(t *testing.T) {
		res := call(t, sandboxed, "delete_thread", `{"thread_id":"t1"}`)
		if kind := errorKind(t, res); kind != errs.KindValidation {
			t.Errorf("Expected validation error, got '%s'", kind)
		}
	})

	t.Run("Unsandboxed Delete Thread", func(t *testing.T) {
		res := call(t, f.registry, "delete_thread", `{"thread_id":"t1"}`)
		if res.IsError {
			t.Fatalf("delete_thread failed: %s", res.Payload)
		}
		if len(res.Changes.Deleted) != 1 || res.Changes.Deleted[0] != turn.ID {
			t.Errorf("Expected the turn to be reported deleted, got %v", res.Changes.Deleted)
		}
	})
}

func TestUpsertTagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := call(t, f.registry, "upsert_tagged", `{"tag":"reading-list","title":"Reading list","body":"- Dune"}`)
	if first.IsError || len(first.Changes.Created) != 1 {
		t.Fatalf("Expected create, got %s", first.Payload)
	}
	id := first.Changes.Created[0]

	second := call(t, f.registry, "upsert_tagged", `{"tag":"reading-list","body":"- Emma"}`)
	if second.IsError || len(second.Changes.Updated) != 1 || second.Changes.Updated[0] != id {
		t.Fatalf("Expected append to %s, got %s", id, second.Payload)
	}
	rec, _ := f.store.Get(ctx, id)
	if rec.Body != "- Dune\n\n- Emma" {
		t.Errorf("Unexpected appended body %q", rec.Body)
	}
	if rec.Title != "Reading list" {
		t.Errorf("Expected title to survive, got '%s'", rec.Title)
	}

	call(t, f.registry, "upsert_tagged", `{"tag":"reading-list","body":"- Ulysses","mode":"replace"}`)
	rec, _ = f.store.Get(ctx, id)
	if rec.Body != "- Ulysses" {
		t.Errorf("Expected replaced body, got %q", rec.Body)
	}

	if kind := errorKind(t, call(t, f.registry, "upsert_tagged", `{"tag":"x","body":"b","mode":"merge"}`)); kind != errs.KindValidation {
		t.Errorf("Expected validation error for bad mode, got '%s'", kind)
	}
}

func TestRetrievalTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meeting := f.add(t, store.Record{Title: "Scheduling tips", Body: "How to schedule a meeting well."})
	f.add(t, store.Record{Title: "Grocery list", Body: "milk, eggs"})
	f.add(t, store.Record{Title: "grocery   LIST!", Body: "bread"})
	if _, err := f.sem.Backfill(ctx, 0); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	t.Run("Related By Text", func(t *testing.T) {
		res := call(t, f.registry, "related_by_text", `{"text":"schedule meeting","limit":2}`)
		if res.IsError {
			t.Fatalf("related_by_text failed: %s", res.Payload)
		}
		hits := decode(t, res)["hits"].([]any)
		if len(hits) == 0 || hits[0].(map[string]any)["id"] != meeting.ID {
			t.Errorf("Expected meeting record first, got %v", hits)
		}
	})

	t.Run("Related To Record", func(t *testing.T) {
		res := call(t, f.registry, "related_to_record", `{"id":"`+meeting.ID+`","limit":5}`)
		if res.IsError {
			t.Fatalf("related_to_record failed: %s", res.Payload)
		}
		for _, h := range decode(t, res)["hits"].([]any) {
			if h.(map[string]any)["id"] == meeting.ID {
				t.Error("Expected the record itself to be excluded")
			}
		}
	})

	t.Run("Related To Recent Record", func(t *testing.T) {
		trip := f.add(t, store.Record{
			Title:       "Trip planning",
			Body:        "book the train to rome",
			Tags:        []string{"travel"},
			Annotations: map[string]any{"project": "rome"},
		})
		f.add(t, store.Record{Body: "latest untagged note"})
		f.add(t, store.Record{Body: "book the train", Tags: []string{guard.TagChat}, ThreadID: "t1"})
		if _, err := f.sem.Backfill(ctx, 0); err != nil {
			t.Fatalf("Backfill failed: %v", err)
		}

		for _, args := range []string{`{"tag":"travel"}`, `{"annotation_key":"project","annotation_value":"rome"}`} {
			res := call(t, f.registry, "related_to_recent_record", args)
			if res.IsError {
				t.Fatalf("related_to_recent_record %s failed: %s", args, res.Payload)
			}
			m := decode(t, res)
			if got := m["record"].(map[string]any)["id"]; got != trip.ID {
				t.Errorf("Expected newest match %s for %s, got %v", trip.ID, args, got)
			}
			for _, h := range m["hits"].([]any) {
				if h.(map[string]any)["id"] == trip.ID {
					t.Error("Expected the resolved record itself to be excluded")
				}
			}
		}

		res := call(t, f.registry, "related_to_recent_record", `{}`)
		if res.IsError {
			t.Fatalf("related_to_recent_record failed: %s", res.Payload)
		}
		if body := decode(t, res)["record"].(map[string]any)["title"]; body != "" {
			t.Errorf("Expected the untagged note to be newest, got title '%v'", body)
		}
	})

	t.Run("Related To Recent Record Errors", func(t *testing.T) {
		res := call(t, f.registry, "related_to_recent_record", `{"annotation_key":"project"}`)
		if kind := errorKind(t, res); kind != "validation" {
			t.Errorf("Expected 'validation', got '%s'", kind)
		}
		res = call(t, f.registry, "related_to_recent_record", `{"tag":"nothing-here"}`)
		if kind := errorKind(t, res); kind != "not_found" {
			t.Errorf("Expected 'not_found', got '%s'", kind)
		}
	})

	t.Run("Find Duplicates By Title", func(t *testing.T) {
		res := call(t, f.registry, "find_duplicates", `{}`)
		m := decode(t, res)
		if m["count"].(float64) != 1 {
			t.Fatalf("Expected 1 group, got %v", m["count"])
		}
		g := m["groups"].([]any)[0].(map[string]any)
		if g["key"] != "grocery list" {
			t.Errorf("Expected key 'grocery list', got '%v'", g["key"])
		}
	})

	t.Run("Find Duplicates By Annotation", func(t *testing.T) {
		f.add(t, store.Record{Body: "a", Annotations: map[string]any{"url": "https://x.test"}})
		f.add(t, store.Record{Body: "b", Annotations: map[string]any{"url": "https://x.test"}})
		res := call(t, f.registry, "find_duplicates", `{"annotation_key":"url","count_only":true}`)
		if decode(t, res)["count"].(float64) != 1 {
			t.Errorf("Expected 1 group, got %s", res.Payload)
		}
	})
}

func TestWebFetchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain page"))
	}))
	defer server.Close()

	f := newFixture(t)
	res := call(t, f.registry, "web_fetch", `{"url":"`+server.URL+`"}`)
	if res.IsError {
		t.Fatalf("web_fetch failed: %s", res.Payload)
	}
	if decode(t, res)["text"] != "plain page" {
		t.Errorf("Unexpected page payload %s", res.Payload)
	}

	disabled := New(Deps{Store: f.store, Layout: f.layout})
	if kind := errorKind(t, call(t, disabled, "web_fetch", `{"url":"`+server.URL+`"}`)); kind != errs.KindValidation {
		t.Errorf("Expected validation error with web disabled, got '%s'", kind)
	}
}

func TestExecute_ReturnsTypedErrors(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.registry.Execute(context.Background(), "nope", nil)
	var pe *errs.ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("Expected ProtocolError, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[string]int{"": 10, "0": 1, "-4": 1, "7": 7, `"12"`: 12, "500": 50, `"abc"`: 10, "3.9": 3}
	for in, want := range cases {
		if got := clampLimit(json.RawMessage(in)); got != want {
			t.Errorf("clampLimit(%s): expected %d, got %d", in, want, got)
		}
	}
}
