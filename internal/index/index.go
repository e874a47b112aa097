// Package index is the token-overlap retrieval index over memory records.
package index

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/felixgeelhaar/enkidu/internal/store"
)

const (
	previewChars = 240
	titleWeight  = 3
)

// Entry is the index view of one record, keyed by its logical location.
type Entry struct {
	Key     string    `json:"key"`
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Tags    []string  `json:"tags"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Preview string    `json:"preview"`
}

// Hit is a scored entry.
type Hit struct {
	Entry Entry `json:"entry"`
	Score int   `json:"score"`
}

// Build derives one entry per record, newest update first.
func Build(records []store.Record, locate func(store.Record) string) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = "Untitled " + shortID(r.ID)
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = r.UpdatedAt
		}
		entries = append(entries, Entry{
			Key:     locate(r),
			ID:      r.ID,
			Title:   title,
			Tags:    append([]string(nil), r.Tags...),
			Created: created,
			Updated: r.UpdatedAt,
			Preview: Preview(r.Body),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Updated.Equal(entries[j].Updated) {
			return entries[i].Updated.After(entries[j].Updated)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Preview collapses whitespace and keeps the first 240 characters.
func Preview(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(collapsed) <= previewChars {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:previewChars])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Tokens lowercases s and returns its alphanumeric runs of two or more
// characters.
func Tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	var run []rune
	flush := func() {
		if len(run) >= 2 {
			out[string(run)] = struct{}{}
		}
		run = run[:0]
	}
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}

// Score weighs title overlap three times body overlap.
func Score(query string, e Entry, body string) int {
	return score(Tokens(query), e, body)
}

func score(q map[string]struct{}, e Entry, body string) int {
	return titleWeight*overlap(Tokens(e.Title), q) + overlap(Tokens(body), q)
}

// Rank returns at most n entries with a positive score, best first. Ties go
// to the newer update, then to the key. bodies maps record ID to body; an
// entry without a body scores on its title alone.
func Rank(query string, entries []Entry, bodies map[string]string, n int) []Hit {
	if n <= 0 {
		return nil
	}
	q := Tokens(query)
	if len(q) == 0 {
		return nil
	}

	var hits []Hit
	for _, e := range entries {
		if s := score(q, e, bodies[e.ID]); s > 0 {
			hits = append(hits, Hit{Entry: e, Score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entry.Updated.Equal(b.Entry.Updated) {
			return a.Entry.Updated.After(b.Entry.Updated)
		}
		return a.Entry.Key < b.Entry.Key
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}
