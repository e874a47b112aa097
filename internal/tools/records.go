package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

var (
	idParam          = map[string]any{"type": "string", "description": "record UUID"}
	limitParam       = map[string]any{"type": "integer", "description": "1-50, default 10"}
	tagsParam        = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	annotationsParam = map[string]any{"type": "object", "description": "JSON key/value annotations"}
)

func (r *Registry) registerRecordTools() {
	r.register(SearchRecords, Spec{
		Description: "Search memory records by body text, tags, thread or annotations. Newest first.",
		Parameters: map[string]any{
			"query":        map[string]any{"type": "string", "description": "case-insensitive body substring"},
			"tags":         tagsParam,
			"exclude_tags": tagsParam,
			"thread_id":    map[string]any{"type": "string"},
			"annotations":  annotationsParam,
			"order":        map[string]any{"type": "string", "enum": []string{"newest", "oldest"}},
			"limit":        limitParam,
			"offset":       map[string]any{"type": "integer"},
			"count_only":   map[string]any{"type": "boolean"},
		},
		CountOnly: true,
	}, r.searchRecords)

	r.register(GetRecord, Spec{
		Description: "Fetch one record by id.",
		Parameters:  map[string]any{"id": idParam},
		Required:    []string{"id"},
	}, r.getRecord)

	r.register(CreateRecord, Spec{
		Description: "Create a memory record. body must not be blank.",
		Parameters: map[string]any{
			"title":       map[string]any{"type": "string"},
			"body":        map[string]any{"type": "string"},
			"tags":        tagsParam,
			"annotations": annotationsParam,
			"thread_id":   map[string]any{"type": "string"},
			"next_id":     map[string]any{"type": "string"},
		},
		Required: []string{"body"},
		Mutating: true,
	}, r.createRecord)

	r.register(UpdateRecord, Spec{
		Description: "Apply a patch {title, body, tags, annotations, thread_id, next_id} to a record. Omitted fields stay unchanged.",
		Parameters: map[string]any{
			"id":    idParam,
			"patch": map[string]any{"type": "object"},
		},
		Required: []string{"id", "patch"},
		Mutating: true,
	}, r.updateRecord)

	r.register(DeleteRecord, Spec{
		Description: "Delete a record by id.",
		Parameters:  map[string]any{"id": idParam},
		Required:    []string{"id"},
		Mutating:    true,
	}, r.deleteRecord)

	r.register(DeleteThread, Spec{
		Description: "Delete every record of a chat thread.",
		Parameters:  map[string]any{"thread_id": map[string]any{"type": "string"}},
		Required:    []string{"thread_id"},
		Mutating:    true,
	}, r.deleteThread)

	r.register(UpsertTagged, Spec{
		Description: "Append to or replace the body of the newest record carrying tag, creating it when none exists.",
		Parameters: map[string]any{
			"tag":         map[string]any{"type": "string", "description": "marker tag"},
			"title":       map[string]any{"type": "string"},
			"body":        map[string]any{"type": "string"},
			"mode":        map[string]any{"type": "string", "enum": []string{"append", "replace"}},
			"tags":        tagsParam,
			"annotations": annotationsParam,
		},
		Required: []string{"tag", "body"},
		Mutating: true,
	}, r.upsertTagged)
}

type searchArgs struct {
	Query       string          `json:"query"`
	Tag         string          `json:"tag"`
	Tags        []string        `json:"tags"`
	ExcludeTags []string        `json:"exclude_tags"`
	ThreadID    string          `json:"thread_id"`
	Annotations json.RawMessage `json:"annotations"`
	Order       string          `json:"order"`
	Limit       json.RawMessage `json:"limit"`
	Offset      int             `json:"offset"`
	CountOnly   bool            `json:"count_only"`
}

func (r *Registry) searchRecords(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a searchArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	if err := checkLen("query", a.Query, MaxQueryChars); err != nil {
		return nil, Changes{}, err
	}
	if a.Tag != "" {
		a.Tags = append(a.Tags, a.Tag)
	}
	tags, err := checkTags(a.Tags)
	if err != nil {
		return nil, Changes{}, err
	}
	exclude, err := checkTags(a.ExcludeTags)
	if err != nil {
		return nil, Changes{}, err
	}
	ann, err := checkAnnotations(a.Annotations)
	if err != nil {
		return nil, Changes{}, err
	}
	if a.Offset < 0 {
		return nil, Changes{}, errs.Invalid("offset", "must not be negative")
	}

	f := store.Filter{
		BodyContains: strings.TrimSpace(a.Query),
		Tags:         tags,
		ExcludeTags:  exclude,
		ThreadID:     strings.TrimSpace(a.ThreadID),
		Annotations:  ann,
		Limit:        clampLimit(a.Limit),
		Offset:       a.Offset,
		WithCount:    true,
	}
	switch a.Order {
	case "", "newest", "desc":
	case "oldest", "asc":
		f.Order = store.OrderCreatedAsc
	default:
		return nil, Changes{}, errs.Invalid("order", "must be newest or oldest")
	}
	if a.CountOnly {
		f.Limit = 1
	}

	res, err := r.deps.Store.Query(ctx, f)
	if err != nil {
		return nil, Changes{}, err
	}
	if a.CountOnly {
		return map[string]any{"count": res.Count}, Changes{}, nil
	}
	return map[string]any{"count": res.Count, "records": res.Records}, Changes{}, nil
}

type idArgs struct {
	ID string `json:"id"`
}

func (r *Registry) getRecord(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a idArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	id, err := checkID("id", a.ID)
	if err != nil {
		return nil, Changes{}, err
	}
	rec, err := r.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"record": rec}, Changes{}, nil
}

type recordArgs struct {
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Tags        []string        `json:"tags"`
	Annotations json.RawMessage `json:"annotations"`
	ThreadID    string          `json:"thread_id"`
	NextID      string          `json:"next_id"`
}

func (a recordArgs) record() (*store.Record, error) {
	title, err := checkTitle(a.Title)
	if err != nil {
		return nil, err
	}
	if err := checkBody("body", a.Body); err != nil {
		return nil, err
	}
	tags, err := checkTags(a.Tags)
	if err != nil {
		return nil, err
	}
	ann, err := checkAnnotations(a.Annotations)
	if err != nil {
		return nil, err
	}
	next, err := checkOptionalID("next_id", a.NextID)
	if err != nil {
		return nil, err
	}
	return &store.Record{
		Title:       title,
		Body:        a.Body,
		Tags:        tags,
		Annotations: ann,
		ThreadID:    strings.TrimSpace(a.ThreadID),
		NextID:      next,
	}, nil
}

func (r *Registry) createRecord(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a recordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	rec, err := a.record()
	if err != nil {
		return nil, Changes{}, err
	}
	rec.ID = uuid.NewString()
	if err := r.checkWrite([]string{rec.Title, rec.Body}, r.location(rec)); err != nil {
		return nil, Changes{}, err
	}

	created, err := r.deps.Store.Create(ctx, rec)
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"record": created}, Changes{Created: []string{created.ID}}, nil
}

type patchArgs struct {
	Title       *string         `json:"title"`
	Body        *string         `json:"body"`
	Tags        *[]string       `json:"tags"`
	Annotations json.RawMessage `json:"annotations"`
	ThreadID    *string         `json:"thread_id"`
	NextID      *string         `json:"next_id"`
}

type updateArgs struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

func (r *Registry) updateRecord(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a updateArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	id, err := checkID("id", a.ID)
	if err != nil {
		return nil, Changes{}, err
	}
	var pa patchArgs
	if len(a.Patch) == 0 {
		return nil, Changes{}, errs.Invalid("patch", "is required")
	}
	if err := decodeArgs(a.Patch, &pa); err != nil {
		return nil, Changes{}, errs.Invalid("patch", "must be an object")
	}

	var p store.Patch
	var texts []string
	if pa.Title != nil {
		t, err := checkTitle(*pa.Title)
		if err != nil {
			return nil, Changes{}, err
		}
		p.Title = &t
		texts = append(texts, t)
	}
	if pa.Body != nil {
		if err := checkBody("patch.body", *pa.Body); err != nil {
			return nil, Changes{}, err
		}
		p.Body = pa.Body
		texts = append(texts, *pa.Body)
	}
	if pa.Tags != nil {
		tags, err := checkTags(*pa.Tags)
		if err != nil {
			return nil, Changes{}, err
		}
		p.Tags = &tags
	}
	if p.Annotations, err = checkAnnotations(pa.Annotations); err != nil {
		return nil, Changes{}, err
	}
	if pa.ThreadID != nil {
		t := strings.TrimSpace(*pa.ThreadID)
		p.ThreadID = &t
	}
	if pa.NextID != nil {
		next, err := checkOptionalID("patch.next_id", *pa.NextID)
		if err != nil {
			return nil, Changes{}, err
		}
		p.NextID = &next
	}

	current, err := r.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, Changes{}, err
	}
	after := *current
	if p.Tags != nil {
		after.Tags = *p.Tags
	}
	if p.ThreadID != nil {
		after.ThreadID = *p.ThreadID
	}
	if err := r.checkWrite(texts, r.location(current), r.location(&after)); err != nil {
		return nil, Changes{}, err
	}

	updated, err := r.deps.Store.Update(ctx, id, p)
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"record": updated}, Changes{Updated: []string{id}}, nil
}

func (r *Registry) deleteRecord(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a idArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	id, err := checkID("id", a.ID)
	if err != nil {
		return nil, Changes{}, err
	}
	current, err := r.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, Changes{}, err
	}
	if err := r.checkWrite(nil, r.location(current)); err != nil {
		return nil, Changes{}, err
	}
	if err := r.deps.Store.Delete(ctx, id); err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"deleted": id}, Changes{Deleted: []string{id}}, nil
}

type threadArgs struct {
	ThreadID string `json:"thread_id"`
}

func (r *Registry) deleteThread(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a threadArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	thread := strings.TrimSpace(a.ThreadID)
	if thread == "" {
		return nil, Changes{}, errs.Invalid("thread_id", "is required")
	}
	if err := checkLen("thread_id", thread, MaxTitleChars); err != nil {
		return nil, Changes{}, err
	}
	if err := r.checkWrite(nil, r.deps.Layout.Location("", thread, []string{guard.TagChat})); err != nil {
		return nil, Changes{}, err
	}

	res, err := r.deps.Store.Query(ctx, store.Filter{ThreadID: thread})
	if err != nil {
		return nil, Changes{}, err
	}
	ids := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		ids = append(ids, rec.ID)
	}
	n, err := r.deps.Store.DeleteThread(ctx, thread)
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"thread_id": thread, "deleted": n}, Changes{Deleted: ids}, nil
}

type upsertArgs struct {
	Tag         string          `json:"tag"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Mode        string          `json:"mode"`
	Tags        []string        `json:"tags"`
	Annotations json.RawMessage `json:"annotations"`
}

func (r *Registry) upsertTagged(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a upsertArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	marker := strings.TrimSpace(a.Tag)
	if marker == "" {
		return nil, Changes{}, errs.Invalid("tag", "is required")
	}
	mode := strings.ToLower(strings.TrimSpace(a.Mode))
	switch mode {
	case "":
		mode = "append"
	case "append", "replace":
	default:
		return nil, Changes{}, errs.Invalid("mode", "must be append or replace")
	}
	rec, err := recordArgs{Title: a.Title, Body: a.Body, Tags: append(a.Tags, marker), Annotations: a.Annotations}.record()
	if err != nil {
		return nil, Changes{}, err
	}

	res, err := r.deps.Store.Query(ctx, store.Filter{Tags: []string{marker}, Limit: 1})
	if err != nil {
		return nil, Changes{}, err
	}

	if len(res.Records) == 0 {
		rec.ID = uuid.NewString()
		if err := r.checkWrite([]string{rec.Title, rec.Body}, r.location(rec)); err != nil {
			return nil, Changes{}, err
		}
		created, err := r.deps.Store.Create(ctx, rec)
		if err != nil {
			return nil, Changes{}, err
		}
		return map[string]any{"record": created, "created": true}, Changes{Created: []string{created.ID}}, nil
	}

	current := res.Records[0]
	body := rec.Body
	if mode == "append" {
		body = strings.TrimRight(current.Body, "\n") + "\n\n" + strings.TrimSpace(rec.Body)
		if err := checkLen("body", body, MaxBodyChars); err != nil {
			return nil, Changes{}, err
		}
	}
	tags := store.NormalizeTags(append(append([]string(nil), current.Tags...), rec.Tags...))
	p := store.Patch{Body: &body, Tags: &tags, Annotations: rec.Annotations}
	if rec.Title != "" {
		p.Title = &rec.Title
	}

	after := current
	after.Tags = tags
	if err := r.checkWrite([]string{rec.Title, rec.Body}, r.location(&current), r.location(&after)); err != nil {
		return nil, Changes{}, err
	}
	updated, err := r.deps.Store.Update(ctx, current.ID, p)
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"record": updated, "created": false}, Changes{Updated: []string{updated.ID}}, nil
}
