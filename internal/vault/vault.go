// Package vault mirrors records to a directory of markdown files with YAML
// front matter and reads such files back into the store.
package vault

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

const (
	fence      = "---"
	exportPage = 500
)

// FrontMatter is the YAML header of a vault file.
type FrontMatter struct {
	ID      string    `yaml:"id"`
	Title   string    `yaml:"title,omitempty"`
	Tags    []string  `yaml:"tags,omitempty"`
	Created time.Time `yaml:"created"`
	Updated time.Time `yaml:"updated"`
}

// Report summarises an export or import.
type Report struct {
	Written []string          `json:"written"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (r *Report) fail(key string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key] = err.Error()
}

type Vault struct {
	store   store.Storage
	layout  guard.Layout
	guard   *guard.Guard
	observe *observe.Observer
}

func New(s store.Storage, l guard.Layout, g *guard.Guard, o *observe.Observer) *Vault {
	if g == nil {
		g = guard.New(guard.ForDataDir(l.DataDir(), guard.DefaultPolicy))
	}
	return &Vault{store: s, layout: l, guard: g, observe: observe.OrDiscard(o)}
}

// Export writes every non-chat record to its layout location. Chat turns
// stay in the store only.
func (v *Vault) Export(ctx context.Context) (*Report, error) {
	ctx, span := v.observe.StartSpan(ctx, "vault.Export")
	defer span.End()

	rep := &Report{}
	for offset := 0; ; offset += exportPage {
		res, err := v.store.Query(ctx, store.Filter{
			ExcludeTags: []string{guard.TagChat},
			Order:       store.OrderCreatedAsc,
			Limit:       exportPage,
			Offset:      offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list records: %w", err)
		}
		for i := range res.Records {
			rec := &res.Records[i]
			path := v.layout.Location(rec.ID, rec.ThreadID, rec.Tags)
			if err := v.writeFile(path, rec); err != nil {
				rep.fail(rec.ID, err)
				continue
			}
			rep.Written = append(rep.Written, path)
		}
		if len(res.Records) < exportPage {
			break
		}
	}

	v.observe.Log().Info().Int("written", len(rep.Written)).Int("failed", len(rep.Failed)).Msg("vault exported")
	return rep, nil
}

func (v *Vault) writeFile(path string, rec *store.Record) error {
	if err := v.guard.CheckMutation(path); err != nil {
		return err
	}
	data, err := Render(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Import reads **/*.md under the memories and instructions directories and
// creates the records the store does not have yet. The sources tree is
// skipped.
func (v *Vault) Import(ctx context.Context) (*Report, error) {
	ctx, span := v.observe.StartSpan(ctx, "vault.Import")
	defer span.End()

	rep := &Report{}
	for _, root := range []string{v.layout.MemoriesDir(), v.layout.InstructionsDir()} {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(root), "**/*.md")
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
		for _, rel := range matches {
			path := filepath.Join(root, filepath.FromSlash(rel))
			if v.isSource(path) {
				continue
			}
			id, created, err := v.importFile(ctx, path)
			switch {
			case err != nil:
				rep.fail(path, err)
			case created:
				rep.Written = append(rep.Written, id)
			default:
				rep.Skipped = append(rep.Skipped, path)
			}
		}
	}

	v.observe.Log().Info().
		Int("created", len(rep.Written)).
		Int("skipped", len(rep.Skipped)).
		Int("failed", len(rep.Failed)).
		Msg("vault imported")
	return rep, nil
}

// isSource reports whether path lies in the read-only sources tree.
func (v *Vault) isSource(path string) bool {
	rel, err := filepath.Rel(v.layout.SourcesDir(), path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (v *Vault) importFile(ctx context.Context, path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	fm, body, err := Parse(data)
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(body) == "" {
		return "", false, errs.Invalid("body", "is empty")
	}

	id := strings.ToLower(strings.TrimSpace(fm.ID))
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	title := fm.Title
	if title == "" {
		title = headingTitle(body)
	}
	if _, err := uuid.Parse(id); err != nil {
		// Files written by hand carry no id; match them on content.
		if existing, err := v.findExact(ctx, title, body); err != nil || existing != "" {
			return existing, false, err
		}
		id = uuid.NewString()
	} else if _, err := v.store.Get(ctx, id); err == nil {
		return id, false, nil
	}

	if err := v.guard.ScreenSecrets(fm.Title, body); err != nil {
		return "", false, err
	}
	rec, err := v.store.Create(ctx, &store.Record{
		ID:          id,
		Title:       title,
		Body:        body,
		Tags:        fm.Tags,
		CreatedAt:   fm.Created,
		UpdatedAt:   fm.Updated,
		Annotations: map[string]any{"source": "vault"},
	})
	if err != nil {
		return "", false, err
	}
	return rec.ID, true, nil
}

func (v *Vault) findExact(ctx context.Context, title, body string) (string, error) {
	res, err := v.store.Query(ctx, store.Filter{BodyContains: body, Limit: 20})
	if err != nil {
		return "", err
	}
	for _, rec := range res.Records {
		if rec.Title == title && strings.TrimSpace(rec.Body) == body {
			return rec.ID, nil
		}
	}
	return "", nil
}

// Render formats a record as a vault file.
func Render(rec *store.Record) ([]byte, error) {
	head, err := yaml.Marshal(FrontMatter{
		ID:      rec.ID,
		Title:   rec.Title,
		Tags:    rec.Tags,
		Created: rec.CreatedAt.UTC(),
		Updated: rec.UpdatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode front matter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(fence + "\n")
	b.Write(head)
	b.WriteString(fence + "\n\n")
	b.WriteString(strings.TrimSpace(rec.Body))
	b.WriteString("\n")
	return b.Bytes(), nil
}

// Parse splits a vault file into front matter and body. A file without
// front matter is all body.
func Parse(data []byte) (FrontMatter, string, error) {
	var fm FrontMatter
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, fence+"\n") {
		return fm, strings.TrimSpace(text), nil
	}
	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		return fm, "", errs.Invalid("front_matter", "is not closed")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", errs.Invalid("front_matter", "%v", err)
	}
	body := rest[end+len(fence)+1:]
	return fm, strings.TrimSpace(body), nil
}

func headingTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(t)
		}
	}
	return ""
}
