package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/felixgeelhaar/enkidu/internal/dream"
	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultHits     = 10
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message      string   `json:"message"`
	ThreadID     string   `json:"thread_id,omitempty"`
	Model        string   `json:"model,omitempty"`
	ContextIDs   []string `json:"context_ids,omitempty"`
	Web          bool     `json:"web,omitempty"`
	AllowSecrets bool     `json:"allow_secrets,omitempty"`
	Mode         string   `json:"mode,omitempty"`
}

// DreamRequest is the body of POST /api/dream.
type DreamRequest struct {
	Limit int    `json:"limit,omitempty"`
	Model string `json:"model,omitempty"`
}

// RecordsResponse is a page of records with the total match count.
type RecordsResponse struct {
	Records []store.Record `json:"records"`
	Count   int            `json:"count"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleChat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Invalid("body", "%v", err)
	}
	mode, err := runtime.ParseMode(req.Mode)
	if err != nil {
		return err
	}

	out, err := s.deps.Runtime.Chat(c.UserContext(), runtime.ChatInput{
		Message:      req.Message,
		ThreadID:     req.ThreadID,
		Model:        req.Model,
		ContextIDs:   req.ContextIDs,
		Web:          req.Web,
		AllowSecrets: req.AllowSecrets,
		Mode:         mode,
	})
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) handleDream(c *fiber.Ctx) error {
	if s.deps.Dream == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "dream is not configured")
	}
	var req DreamRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return errs.Invalid("body", "%v", err)
		}
	}
	out, err := s.deps.Dream.Run(c.UserContext(), dream.Input{Limit: req.Limit, Model: req.Model})
	if err != nil {
		return err
	}
	return c.JSON(out)
}

// handleListRecords supports ?tag=a,b&exclude=c&thread=&q=&limit=&offset=&order=asc.
func (s *Server) handleListRecords(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		return errs.Invalid("limit", "must be between 1 and %d", maxPageSize)
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		return errs.Invalid("offset", "must not be negative")
	}

	f := store.Filter{
		Tags:         splitList(c.Query("tag")),
		ExcludeTags:  splitList(c.Query("exclude")),
		ThreadID:     c.Query("thread"),
		BodyContains: c.Query("q"),
		Limit:        limit,
		Offset:       offset,
		WithCount:    true,
	}
	if c.Query("order") == "asc" {
		f.Order = store.OrderCreatedAsc
	}

	res, err := s.deps.Runtime.Store().Query(c.UserContext(), f)
	if err != nil {
		return err
	}
	records := res.Records
	if records == nil {
		records = []store.Record{}
	}
	return c.JSON(RecordsResponse{Records: records, Count: res.Count})
}

func (s *Server) handleGetRecord(c *fiber.Ctx) error {
	rec, err := s.deps.Runtime.Store().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

// handleSearch ranks records against ?q=, semantically when embeddings are
// configured and by token overlap otherwise.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return errs.Invalid("q", "is required")
	}
	n := c.QueryInt("n", defaultHits)
	if n <= 0 {
		n = defaultHits
	}

	ctx := c.UserContext()
	switch {
	case s.deps.Semantic != nil:
		hits, err := s.deps.Semantic.Combined(ctx, q, n)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"hits": nonNil(hits)})
	case s.deps.Index != nil:
		tokenHits, err := s.deps.Index.TopN(ctx, q, n)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"hits": nonNil(semantic.Merge(nil, tokenHits, n))})
	}
	return fiber.NewError(fiber.StatusServiceUnavailable, "search is not configured")
}

func (s *Server) handleThreads(c *fiber.Ctx) error {
	threads, err := s.deps.Runtime.Threads(c.UserContext(), c.QueryInt("limit", defaultPageSize))
	if err != nil {
		return err
	}
	if threads == nil {
		threads = []runtime.ThreadSummary{}
	}
	return c.JSON(fiber.Map{"threads": threads})
}

func (s *Server) handleBackfill(c *fiber.Ctx) error {
	if s.deps.Semantic == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "embeddings are not configured")
	}
	rep, err := s.deps.Semantic.Backfill(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	if rep.Updated > 0 {
		s.deps.Runtime.Invalidate()
	}
	return c.JSON(rep)
}

func (s *Server) handleTools(c *fiber.Ctx) error {
	reg := s.deps.Runtime.Registry()
	if reg == nil {
		return c.JSON(fiber.Map{"tools": []any{}})
	}
	return c.JSON(fiber.Map{"tools": reg.Manifest()})
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil(hits []semantic.Hit) []semantic.Hit {
	if hits == nil {
		return []semantic.Hit{}
	}
	return hits
}
