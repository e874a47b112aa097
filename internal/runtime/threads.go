package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

// threadScanWindow bounds how many chat records Threads inspects.
const threadScanWindow = 2000

// ThreadSummary describes one conversation.
type ThreadSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"last_activity"`
	Turns        int       `json:"turns"`
}

// Threads lists conversations by most recent activity. limit <= 0 returns
// every thread in the scan window.
func (r *Runtime) Threads(ctx context.Context, limit int) ([]ThreadSummary, error) {
	res, err := r.store.Query(ctx, store.Filter{
		Tags:  []string{guard.TagChat},
		Limit: threadScanWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	byID := make(map[string]*ThreadSummary)
	var order []string
	for _, rec := range res.Records {
		if rec.ThreadID == "" {
			continue
		}
		t, ok := byID[rec.ThreadID]
		if !ok {
			t = &ThreadSummary{ID: rec.ThreadID, LastActivity: rec.CreatedAt}
			byID[rec.ThreadID] = t
			order = append(order, rec.ThreadID)
		}
		t.Turns++
		if t.Title == "" {
			if title, _ := rec.Annotations["thread_title"].(string); strings.TrimSpace(title) != "" {
				t.Title = strings.TrimSpace(title)
			}
		}
	}

	out := make([]ThreadSummary, 0, len(order))
	for _, id := range order {
		t := byID[id]
		if t.Title == "" {
			t.Title = fallbackTitle(res.Records, id)
		}
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fallbackTitle uses the newest titled record of the thread, else the
// opening words of its first user message.
func fallbackTitle(records []store.Record, threadID string) string {
	var firstUser string
	for _, rec := range records {
		if rec.ThreadID != threadID {
			continue
		}
		if t := strings.TrimSpace(rec.Title); t != "" {
			return t
		}
		if role, _ := rec.Annotations["role"].(string); role == RoleUser || role == "" {
			firstUser = rec.Body
		}
	}
	if firstUser == "" {
		return "Untitled thread"
	}
	return preview(firstUser, 60)
}
