package dream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

func (p *Pass) writeDiary(ctx context.Context, s store.Storage, out *Output) (*store.Record, error) {
	stamp := p.now().UTC().Format(time.RFC3339)
	rec, err := s.Create(ctx, &store.Record{
		Title: fmt.Sprintf("Dream diary (%s)", stamp),
		Body:  diaryBody(out),
		Tags:  []string{guard.TagDreamDiary},
		Annotations: map[string]any{
			"kind":    "dream",
			"created": out.Created,
			"updated": out.Updated,
			"deleted": out.Deleted,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write dream diary: %w", err)
	}
	return rec, nil
}

func diaryBody(out *Output) string {
	var b strings.Builder

	b.WriteString("## Rationale\n\n")
	if out.Reply == "" {
		b.WriteString("(no closing note)\n")
	} else {
		b.WriteString(out.Reply)
		b.WriteString("\n")
	}
	if out.TimedOut {
		b.WriteString("\nThe pass stopped at the iteration ceiling.\n")
	}

	b.WriteString("\n## Tool calls\n\n")
	if len(out.ToolCalls) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| # | tool | ok |\n|---|------|----|\n")
		for i, c := range out.ToolCalls {
			ok := "yes"
			if !c.OK {
				ok = "no"
				if c.Kind != "" {
					ok += " (" + c.Kind + ")"
				}
			}
			fmt.Fprintf(&b, "| %d | %s | %s |\n", i+1, c.Name, ok)
		}
	}

	b.WriteString("\n## Records\n\n")
	writeIDs(&b, "Created", out.Created)
	writeIDs(&b, "Updated", out.Updated)
	writeIDs(&b, "Deleted", out.Deleted)

	b.WriteString("\n## Candidates\n\n")
	for _, c := range out.Candidates {
		fmt.Fprintf(&b, "- %s", c.ID)
		if c.Title != "" {
			fmt.Fprintf(&b, " %s", c.Title)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeIDs(b *strings.Builder, label string, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintf(b, "- %s: none\n", label)
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(ids, ", "))
}
