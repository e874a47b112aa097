package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			annotations TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			next_id TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedded_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_thread ON records(thread_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Record Implementation

const recordColumns = `id, title, body, tags, annotations, created_at, updated_at, thread_id, next_id, embedding, embedding_model, embedded_at`

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) (*Record, error) {
	out := *rec
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if strings.TrimSpace(out.Body) == "" {
		return nil, errs.Invalid("body", "must not be blank")
	}
	out.Tags = NormalizeTags(out.Tags)
	now := s.now().UTC()
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.UpdatedAt
	}

	tagsJSON, annJSON, err := encodeSets(out.Tags, out.Annotations)
	if err != nil {
		return nil, err
	}

	var vec []byte
	var embeddedAt any
	if len(out.Embedding) > 0 {
		if vec, err = encodeVector(out.Embedding); err != nil {
			return nil, err
		}
		t := now
		if out.EmbeddedAt != nil {
			t = out.EmbeddedAt.UTC()
		}
		out.EmbeddedAt = &t
		embeddedAt = t.UnixNano()
	}

	query := `INSERT INTO records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		out.ID, out.Title, out.Body, tagsJSON, annJSON,
		out.CreatedAt.UnixNano(), out.UpdatedAt.UnixNano(),
		out.ThreadID, out.NextID, vec, out.EmbeddingModel, embeddedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return &out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errs.NotFoundError{Kind: "record", ID: id}
		}
		return nil, err
	}
	return rec, nil
}

// Update applies p to the record. A body change clears the embedding so it
// is regenerated before semantic retrieval trusts it again.
func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	bodyChanged := false
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Body != nil {
		if strings.TrimSpace(*p.Body) == "" {
			return nil, errs.Invalid("body", "must not be blank")
		}
		bodyChanged = *p.Body != rec.Body
		rec.Body = *p.Body
	}
	if p.Tags != nil {
		rec.Tags = NormalizeTags(*p.Tags)
	}
	if p.Annotations != nil {
		rec.Annotations = p.Annotations
	}
	if p.ThreadID != nil {
		rec.ThreadID = *p.ThreadID
	}
	if p.NextID != nil {
		rec.NextID = *p.NextID
	}
	rec.UpdatedAt = s.now().UTC()
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}

	tagsJSON, annJSON, err := encodeSets(rec.Tags, rec.Annotations)
	if err != nil {
		return nil, err
	}

	if bodyChanged {
		rec.Embedding = nil
		rec.EmbeddingModel = ""
		rec.EmbeddedAt = nil
		_, err = s.db.ExecContext(ctx, `UPDATE records SET title = ?, body = ?, tags = ?, annotations = ?, updated_at = ?, thread_id = ?, next_id = ?,
			embedding = NULL, embedding_model = '', embedded_at = NULL WHERE id = ?`,
			rec.Title, rec.Body, tagsJSON, annJSON, rec.UpdatedAt.UnixNano(), rec.ThreadID, rec.NextID, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE records SET title = ?, body = ?, tags = ?, annotations = ?, updated_at = ?, thread_id = ?, next_id = ? WHERE id = ?`,
			rec.Title, rec.Body, tagsJSON, annJSON, rec.UpdatedAt.UnixNano(), rec.ThreadID, rec.NextID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errs.NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) (int, error) {
	if threadID == "" {
		return 0, errs.Invalid("thread_id", "is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	order := "created_at DESC, rowid DESC"
	if f.Order == OrderCreatedAsc {
		order = "created_at ASC, rowid ASC"
	}

	query := `SELECT ` + recordColumns + ` FROM records` + where + ` ORDER BY ` + order
	qargs := append([]any{}, args...)
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		qargs = append(qargs, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		qargs = append(qargs, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	result := &QueryResult{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if f.WithCount {
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...)
		if err := row.Scan(&result.Count); err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}
	} else {
		result.Count = len(result.Records)
	}
	return result, nil
}

func buildWhere(f Filter) (string, []any, error) {
	var clauses []string
	var args []any

	if len(f.IDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		clauses = append(clauses, "id IN ("+marks+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.BodyContains != "" {
		clauses = append(clauses, "instr(lower(body), lower(?)) > 0")
		args = append(args, f.BodyContains)
	}
	for _, t := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(records.tags) WHERE json_each.value = ?)")
		args = append(args, t)
	}
	for _, t := range f.ExcludeTags {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM json_each(records.tags) WHERE json_each.value = ?)")
		args = append(args, t)
	}
	if f.ThreadID != "" {
		clauses = append(clauses, "thread_id = ?")
		args = append(args, f.ThreadID)
	}

	keys := make([]string, 0, len(f.Annotations))
	for k := range f.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || strings.ContainsAny(k, `"\`) {
			return "", nil, errs.Invalid("annotations", "unsupported key %q", k)
		}
		val, err := json.Marshal(f.Annotations[k])
		if err != nil {
			return "", nil, errs.Invalid("annotations", "value for %q is not JSON: %v", k, err)
		}
		clauses = append(clauses, "json_extract(annotations, ?) IS json_extract(?, '$')")
		args = append(args, `$."`+k+`"`, string(val))
	}
	if f.MissingEmbedding {
		clauses = append(clauses, "embedding IS NULL")
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec        Record
		tagsJSON   string
		annJSON    string
		created    int64
		updated    int64
		vec        []byte
		embeddedAt sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rec.Title, &rec.Body, &tagsJSON, &annJSON, &created, &updated,
		&rec.ThreadID, &rec.NextID, &vec, &rec.EmbeddingModel, &embeddedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(annJSON), &rec.Annotations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	if len(vec) > 0 {
		v, err := decodeVector(vec)
		if err != nil {
			return nil, err
		}
		rec.Embedding = v
	}
	if embeddedAt.Valid {
		t := time.Unix(0, embeddedAt.Int64).UTC()
		rec.EmbeddedAt = &t
	}
	return &rec, nil
}

func encodeSets(tags []string, ann map[string]any) (string, string, error) {
	if tags == nil {
		tags = []string{}
	}
	if ann == nil {
		ann = map[string]any{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	annJSON, err := json.Marshal(ann)
	if err != nil {
		return "", "", errs.Invalid("annotations", "not JSON-serializable: %v", err)
	}
	return string(tagsJSON), string(annJSON), nil
}

// NormalizeTags trims tags, drops blanks and collapses duplicates while
// keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
