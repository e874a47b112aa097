package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/enkidu/internal/envelope"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

// CaptureToInbox files a capture footer as an *inbox record. It returns ""
// without writing when a record with the same title and body exists.
func (r *Runtime) CaptureToInbox(ctx context.Context, c *envelope.Capture, allowSecrets bool) (string, error) {
	if c == nil {
		return "", nil
	}
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.Text)
	if title == "" || body == "" {
		return "", nil
	}

	if err := r.guard.WithAllowSecrets(allowSecrets).ScreenSecrets(title, body); err != nil {
		return "", err
	}

	dup, err := r.findExact(ctx, title, body)
	if err != nil {
		return "", err
	}
	if dup != "" {
		r.observe.Log().Debug().Str("id", dup).Msg("capture already filed")
		return "", nil
	}

	tags := store.NormalizeTags(append([]string{guard.TagInbox}, c.Tags...))
	rec, err := r.store.Create(ctx, &store.Record{
		Title:       title,
		Body:        body,
		Tags:        tags,
		Annotations: map[string]any{"source": "auto_capture"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to file capture: %w", err)
	}
	r.Invalidate()
	r.events.Emit(EventRecordWritten, "", map[string]any{"id": rec.ID, "source": "auto_capture"})
	r.observe.Log().Info().Str("id", rec.ID).Str("title", title).Msg("captured to inbox")
	return rec.ID, nil
}

func (r *Runtime) findExact(ctx context.Context, title, body string) (string, error) {
	res, err := r.store.Query(ctx, store.Filter{BodyContains: body, Limit: 50})
	if err != nil {
		return "", fmt.Errorf("failed to check for duplicate capture: %w", err)
	}
	for _, rec := range res.Records {
		if strings.TrimSpace(rec.Title) == title && strings.TrimSpace(rec.Body) == body {
			return rec.ID, nil
		}
	}
	return "", nil
}
