// Package semantic is nearest-neighbour retrieval over stored record
// embeddings, merged with the token index.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

// MaxEmbedChars bounds the text sent to the embedder.
const MaxEmbedChars = 8000

const (
	SourceSemantic = "semantic"
	SourceToken    = "token"
)

// Hit is one retrieval result.
type Hit struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Similarity float32 `json:"similarity,omitempty"`
	Score      int     `json:"score,omitempty"`
	Source     string  `json:"source"`
}

// Retriever owns the in-memory vector index. The index is rebuilt lazily
// from stored embeddings, one collection per embedding model.
type Retriever struct {
	embedder provider.Embedder
	store    store.Storage
	tokens   *index.Cache
	observe  *observe.Observer

	mu   sync.Mutex
	db   *chromem.DB
	cols map[string]*chromem.Collection
}

// New builds a Retriever. A nil embedder disables semantic search; Combined
// then returns token results only.
func New(e provider.Embedder, s store.Storage, tokens *index.Cache, o *observe.Observer) *Retriever {
	return &Retriever{
		embedder: e,
		store:    s,
		tokens:   tokens,
		observe:  observe.OrDiscard(o),
	}
}

// Invalidate drops the vector index. The next query rebuilds it.
func (r *Retriever) Invalidate() {
	r.mu.Lock()
	r.db = nil
	r.cols = nil
	r.mu.Unlock()
}

// Truncate cuts text to at most MaxEmbedChars characters.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxEmbedChars {
		return text
	}
	return string([]rune(text)[:MaxEmbedChars])
}

func (r *Retriever) collections(ctx context.Context) (map[string]*chromem.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cols != nil {
		return r.cols, nil
	}

	res, err := r.store.Query(ctx, store.Filter{ExcludeTags: []string{guard.TagChat}})
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	db := chromem.NewDB()
	cols := make(map[string]*chromem.Collection)
	for _, rec := range res.Records {
		if len(rec.Embedding) == 0 {
			continue
		}
		col, ok := cols[rec.EmbeddingModel]
		if !ok {
			col, err = db.CreateCollection("model:"+rec.EmbeddingModel, nil, nil)
			if err != nil {
				return nil, fmt.Errorf("create collection: %w", err)
			}
			cols[rec.EmbeddingModel] = col
		}
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Title,
			Embedding: rec.Embedding,
			Metadata:  map[string]string{"title": rec.Title},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			r.observe.Log().Warn().Str("id", rec.ID).Err(err).Msg("skipping unindexable embedding")
		}
	}

	r.db = db
	r.cols = cols
	return cols, nil
}

func (r *Retriever) query(ctx context.Context, model string, vec []float32, k int) ([]Hit, error) {
	cols, err := r.collections(ctx)
	if err != nil {
		return nil, err
	}
	col, ok := cols[model]
	if !ok || k <= 0 {
		return nil, nil
	}
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			ID:         res.ID,
			Title:      res.Metadata["title"],
			Similarity: res.Similarity,
			Source:     SourceSemantic,
		})
	}
	return hits, nil
}

// Search embeds text as a retrieval query and returns its k nearest
// records. Records without an embedding from the same model never appear.
func (r *Retriever) Search(ctx context.Context, text string, k int) ([]Hit, error) {
	if r.embedder == nil {
		return nil, &errs.UpstreamError{Service: "embedding", Op: "embed", Err: errors.New("no embedding provider configured")}
	}
	emb, err := r.embedder.Embed(ctx, Truncate(text), provider.TaskQuery)
	if err != nil {
		return nil, errs.Upstream(r.embedder.Name(), "embed", err)
	}
	return r.query(ctx, emb.Model, emb.Vector, k)
}

// NearestToRecord uses the record's stored vector and never returns the
// record itself.
func (r *Retriever) NearestToRecord(ctx context.Context, id string, k int) ([]Hit, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(rec.Embedding) == 0 {
		return nil, errs.Invalid("id", "record %s has no embedding yet; run a backfill", id)
	}

	hits, err := r.query(ctx, rec.EmbeddingModel, rec.Embedding, k+1)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.ID != id {
			out = append(out, h)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Merge unions semantic and token hits by ID: semantic order first, then
// token hits not already present, capped at n.
func Merge(semanticHits []Hit, tokenHits []index.Hit, n int) []Hit {
	seen := make(map[string]bool, len(semanticHits)+len(tokenHits))
	out := make([]Hit, 0, n)
	for _, h := range semanticHits {
		if len(out) >= n {
			return out
		}
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	for _, h := range tokenHits {
		if len(out) >= n {
			return out
		}
		if seen[h.Entry.ID] {
			continue
		}
		seen[h.Entry.ID] = true
		out = append(out, Hit{
			ID:     h.Entry.ID,
			Title:  h.Entry.Title,
			Score:  h.Score,
			Source: SourceToken,
		})
	}
	return out
}

// Combined runs token and semantic retrieval. An embedding failure is
// logged and the token results are returned alone.
func (r *Retriever) Combined(ctx context.Context, query string, n int) ([]Hit, error) {
	tokenHits, err := r.tokens.TopN(ctx, query, n)
	if err != nil {
		return nil, err
	}

	semHits, err := r.Search(ctx, query, n)
	if err != nil {
		r.observe.Log().Warn().Str("kind", errs.KindOf(err)).Err(err).Msg("semantic search unavailable, using token index only")
		semHits = nil
	}
	return Merge(semHits, tokenHits, n), nil
}
