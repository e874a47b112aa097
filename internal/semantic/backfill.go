package semantic

import (
	"context"
	"errors"
	"strings"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

const (
	DefaultBackfillLimit = 25
	MaxBackfillLimit     = 200
	backfillBatch        = 16
)

type BackfillFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BackfillReport struct {
	Scanned int               `json:"scanned"`
	Updated int               `json:"updated"`
	IDs     []string          `json:"ids"`
	Failed  []BackfillFailure `json:"failed"`
	// More is set when the batch was full, so more records may be waiting.
	More bool `json:"more"`
}

// ClampBackfillLimit maps a non-positive limit to the default and caps it.
func ClampBackfillLimit(limit int) int {
	if limit <= 0 {
		return DefaultBackfillLimit
	}
	if limit > MaxBackfillLimit {
		return MaxBackfillLimit
	}
	return limit
}

// Backfill embeds records that have no embedding, oldest first. It stops
// between batches when ctx is canceled and returns what it did so far.
func (r *Retriever) Backfill(ctx context.Context, limit int) (*BackfillReport, error) {
	ctx, span := r.observe.StartSpan(ctx, "Backfill")
	defer span.End()

	if r.embedder == nil {
		return nil, &errs.UpstreamError{Service: "embedding", Op: "embed batch", Err: errors.New("no embedding provider configured")}
	}

	limit = ClampBackfillLimit(limit)
	res, err := r.store.Query(ctx, store.Filter{
		MissingEmbedding: true,
		ExcludeTags:      []string{guard.TagChat},
		Order:            store.OrderCreatedAsc,
		Limit:            limit,
	})
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{
		Scanned: len(res.Records),
		IDs:     []string{},
		Failed:  []BackfillFailure{},
		More:    len(res.Records) == limit,
	}

	var pending []store.Record
	for _, rec := range res.Records {
		if strings.TrimSpace(rec.Body) == "" {
			report.Failed = append(report.Failed, BackfillFailure{ID: rec.ID, Error: "empty body (cannot embed)"})
			continue
		}
		pending = append(pending, rec)
	}

	defer func() {
		if report.Updated > 0 {
			r.Invalidate()
		}
	}()

	for start := 0; start < len(pending); start += backfillBatch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+backfillBatch, len(pending))
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = Truncate(strings.TrimSpace(rec.Body))
		}
		embs, err := r.embedder.EmbedBatch(ctx, texts, provider.TaskDocument)
		if err != nil {
			return report, errs.Upstream(r.embedder.Name(), "embed batch", err)
		}
		if len(embs) != len(batch) {
			return report, &errs.UpstreamError{
				Service: r.embedder.Name(),
				Op:      "embed batch",
				Err:     errs.Invalid("embeddings", "expected %d vectors, got %d", len(batch), len(embs)),
			}
		}

		for i, rec := range batch {
			if err := r.store.SetEmbedding(ctx, rec.ID, embs[i].Vector, embs[i].Model); err != nil {
				report.Failed = append(report.Failed, BackfillFailure{ID: rec.ID, Error: err.Error()})
				continue
			}
			report.Updated++
			report.IDs = append(report.IDs, rec.ID)
		}
	}

	r.observe.Log().Info().
		Int("scanned", report.Scanned).
		Int("updated", report.Updated).
		Int("failed", len(report.Failed)).
		Msg("embedding backfill finished")
	return report, nil
}
