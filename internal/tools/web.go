package tools

import (
	"context"
	"encoding/json"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

func (r *Registry) registerWebTools() {
	r.register(WebFetch, Spec{
		Description: "Fetch an http(s) page and return its readable text.",
		Parameters: map[string]any{
			"url": map[string]any{"type": "string"},
		},
		Required: []string{"url"},
	}, r.webFetch)
}

type webArgs struct {
	URL string `json:"url"`
}

func (r *Registry) webFetch(ctx context.Context, raw json.RawMessage) (any, Changes, error) {
	var a webArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, Changes{}, err
	}
	if r.deps.Web == nil {
		return nil, Changes{}, errs.Invalid("tool", "web access is disabled")
	}
	if err := checkLen("url", a.URL, MaxQueryChars); err != nil {
		return nil, Changes{}, err
	}
	page, err := r.deps.Web.Fetch(ctx, a.URL)
	if err != nil {
		return nil, Changes{}, err
	}
	return page, Changes{}, nil
}
