package store

import (
	"context"
	"time"
)

// Record is a memory record, the unit of storage.
type Record struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	Body           string         `json:"body"`
	Tags           []string       `json:"tags"`
	Annotations    map[string]any `json:"annotations,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ThreadID       string         `json:"thread_id,omitempty"`
	NextID         string         `json:"next_id,omitempty"`
	Embedding      []float32      `json:"-"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	EmbeddedAt     *time.Time     `json:"embedded_at,omitempty"`
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title       *string
	Body        *string
	Tags        *[]string
	Annotations map[string]any
	ThreadID    *string
	NextID      *string
}

// Order selects creation-time ordering for queries.
type Order int

const (
	OrderCreatedDesc Order = iota
	OrderCreatedAsc
)

// Filter describes a record query.
type Filter struct {
	IDs              []string
	BodyContains     string
	Tags             []string // all must be present
	ExcludeTags      []string // none may be present
	ThreadID         string
	Annotations      map[string]any // each key must equal the given JSON value
	MissingEmbedding bool
	Limit            int
	Offset           int
	Order            Order
	WithCount        bool
}

// QueryResult carries rows and, when requested, the exact match count
// ignoring limit/offset.
type QueryResult struct {
	Records []Record
	Count   int
}

// Storage defines the interface for persistence.
type Storage interface {
	// Record Management
	Query(ctx context.Context, f Filter) (*QueryResult, error)
	Get(ctx context.Context, id string) (*Record, error)
	Create(ctx context.Context, rec *Record) (*Record, error)
	Update(ctx context.Context, id string, p Patch) (*Record, error)
	Delete(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, threadID string) (int, error)

	// Embedding Management
	SetEmbedding(ctx context.Context, id string, vector []float32, model string) error

	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
