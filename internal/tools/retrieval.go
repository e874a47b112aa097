package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

// duplicateScanLimit bounds how many records find_duplicates inspects.
const duplicateScanLimit = 2000

func (r *Registry) registerRetrievalTools() {
	r.register(RelatedByText, Spec{
		Description: "Find records related to free text, semantic matches first, then keyword matches.",
		Parameters: map[string]any{
			"text":  map[string]any{"type": "string"},
			"limit": limitParam,
		},
		Required: []string{"text"},
	}, r.relatedByText)

	r.register(RelatedToRecord, Spec{
		Description: "Find the records whose embeddings are nearest to the given record. Excludes the record itself.",
		Parameters: map[string]any{
			"id":    idParam,
			"limit": limitParam,
		},
		Required: []string{"id"},
	}, r.relatedToRecord)

	r.register(RelatedToRecent, Spec{
		Description: "Find the newest record, optionally with a tag or an annotation_key/annotation_value pair, and return the records nearest to it.",
		Parameters: map[string]any{
			"tag":              map[string]any{"type": "string"},
			"annotation_key":   map[string]any{"type": "string"},
			"annotation_value": map[string]any{"type": "string"},
			"limit":            limitParam,
		},
	}, r.relatedToRecent)

	r.register(FindDuplicates, Spec{
		Description: "Group records that share an annotation value (annotation_key) or, without a key, the same normalised title.",
		Parameters: map[string]any{
			"annotation_key": map[string]any{"type": "string"},
			"tags":           tagsParam,
			"limit":          limitParam,
			"count_only":     map[string]any{"type": "boolean"},
		},
		CountOnly: true,
	}, r.findDuplicates)
}

func (r *Registry) retriever() (*semantic.Retriever, error) {
	if r.deps.Semantic == nil {
		return nil, errs.Invalid("tool", "semantic retrieval is not configured")
	}
	return r.deps.Semantic, nil
}

type relatedTextArgs struct {
	Text  string          `json:"text"`
	Query string          `json:"query"`
	Limit json.RawMessage `json:"limit"`
}

func (r *Registry) relatedByText(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a relatedTextArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	text := strings.TrimSpace(a.Text)
	if text == "" {
		text = strings.TrimSpace(a.Query)
	}
	if text == "" {
		return nil, Changes{}, errs.Invalid("text", "is required")
	}
	if err := checkLen("text", text, MaxQueryChars); err != nil {
		return nil, Changes{}, err
	}
	sem, err := r.retriever()
	if err != nil {
		return nil, Changes{}, err
	}

	hits, err := sem.Combined(ctx, text, clampLimit(a.Limit))
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"hits": hits}, Changes{}, nil
}

type relatedRecordArgs struct {
	ID    string          `json:"id"`
	Limit json.RawMessage `json:"limit"`
}

func (r *Registry) relatedToRecord(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a relatedRecordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	id, err := checkID("id", a.ID)
	if err != nil {
		return nil, Changes{}, err
	}
	sem, err := r.retriever()
	if err != nil {
		return nil, Changes{}, err
	}

	hits, err := sem.NearestToRecord(ctx, id, clampLimit(a.Limit))
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{"id": id, "hits": hits}, Changes{}, nil
}

type relatedRecentArgs struct {
	Tag             string          `json:"tag"`
	AnnotationKey   string          `json:"annotation_key"`
	AnnotationValue string          `json:"annotation_value"`
	Limit           json.RawMessage `json:"limit"`
}

// relatedToRecent resolves the newest non-chat record matching the filters
// and answers like related_to_record for it.
func (r *Registry) relatedToRecent(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a relatedRecentArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	key := strings.TrimSpace(a.AnnotationKey)
	value := strings.TrimSpace(a.AnnotationValue)
	if (key == "") != (value == "") {
		return nil, Changes{}, errs.Invalid("annotation_key", "and annotation_value must be given together")
	}
	if err := checkLen("annotation_key", key, MaxTitleChars); err != nil {
		return nil, Changes{}, err
	}
	if err := checkLen("annotation_value", value, MaxQueryChars); err != nil {
		return nil, Changes{}, err
	}
	var tags []string
	if tag := strings.TrimSpace(a.Tag); tag != "" {
		var err error
		if tags, err = checkTags([]string{tag}); err != nil {
			return nil, Changes{}, err
		}
	}
	sem, err := r.retriever()
	if err != nil {
		return nil, Changes{}, err
	}

	f := store.Filter{
		Tags:        tags,
		ExcludeTags: []string{guard.TagChat},
		Limit:       1,
	}
	if key != "" {
		f.Annotations = map[string]any{key: value}
	}
	res, err := r.deps.Store.Query(ctx, f)
	if err != nil {
		return nil, Changes{}, err
	}
	if len(res.Records) == 0 {
		return nil, Changes{}, &errs.NotFoundError{Kind: "record", ID: "most recent"}
	}
	newest := res.Records[0]

	hits, err := sem.NearestToRecord(ctx, newest.ID, clampLimit(a.Limit))
	if err != nil {
		return nil, Changes{}, err
	}
	return map[string]any{
		"record": map[string]any{"id": newest.ID, "title": newest.Title, "created_at": newest.CreatedAt},
		"hits":   hits,
	}, Changes{}, nil
}

type duplicateArgs struct {
	AnnotationKey string          `json:"annotation_key"`
	Tags          []string        `json:"tags"`
	Limit         json.RawMessage `json:"limit"`
	CountOnly     bool            `json:"count_only"`
}

// DuplicateGroup is a set of records sharing one key.
type DuplicateGroup struct {
	Key    string   `json:"key"`
	IDs    []string `json:"ids"`
	Titles []string `json:"titles"`
}

func (r *Registry) findDuplicates(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a duplicateArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	key := strings.TrimSpace(a.AnnotationKey)
	if err := checkLen("annotation_key", key, MaxTitleChars); err != nil {
		return nil, Changes{}, err
	}
	tags, err := checkTags(a.Tags)
	if err != nil {
		return nil, Changes{}, err
	}

	res, err := r.deps.Store.Query(ctx, store.Filter{
		Tags:        tags,
		ExcludeTags: []string{guard.TagChat},
		Order:       store.OrderCreatedAsc,
		Limit:       duplicateScanLimit,
	})
	if err != nil {
		return nil, Changes{}, err
	}

	groups := GroupDuplicates(res.Records, key)
	if a.CountOnly {
		return map[string]any{"count": len(groups)}, Changes{}, nil
	}
	total := len(groups)
	if n := clampLimit(a.Limit); len(groups) > n {
		groups = groups[:n]
	}
	return map[string]any{"count": total, "groups": groups}, Changes{}, nil
}

// GroupDuplicates groups records by the value of annotation key, or by
// normalised title when key is empty. Only groups of two or more are
// returned, largest first.
func GroupDuplicates(records []store.Record, key string) []DuplicateGroup {
	byKey := make(map[string]*DuplicateGroup)
	var order []string
	for _, rec := range records {
		k := duplicateKey(rec, key)
		if k == "" {
			continue
		}
		g, ok := byKey[k]
		if !ok {
			g = &DuplicateGroup{Key: k}
			byKey[k] = g
			order = append(order, k)
		}
		g.IDs = append(g.IDs, rec.ID)
		g.Titles = append(g.Titles, rec.Title)
	}

	out := make([]DuplicateGroup, 0, len(order))
	for _, k := range order {
		if g := byKey[k]; len(g.IDs) > 1 {
			out = append(out, *g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].IDs) > len(out[j].IDs) })
	return out
}

func duplicateKey(rec store.Record, key string) string {
	if key == "" {
		return NormalizeTitle(rec.Title)
	}
	v, ok := rec.Annotations[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// NormalizeTitle lowercases title, drops punctuation and collapses
// whitespace.
func NormalizeTitle(title string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		default:
			space = true
		}
	}
	return sb.String()
}
