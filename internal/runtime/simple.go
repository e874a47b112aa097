package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/enkidu/internal/envelope"
	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/provider"
)

// SecondFetchRefusal replaces a reply that asks for another fetch after the
// one fetch simple mode allows.
const SecondFetchRefusal = "I tried one web fetch already, but you requested another. Please answer using the fetched content I provided."

// SimpleInput configures one simple-mode answer.
type SimpleInput struct {
	System     string
	Transcript []provider.Message
	Model      string
	Web        bool
}

// SimpleOutput is a simple-mode answer. FetchedURL is set when the one
// allowed fetch was attempted.
type SimpleOutput struct {
	Reply      string
	FetchedURL string
	FetchError string
	Refused    bool
	Usage      provider.Usage
}

// Simple answers with one completion. A reply that requests a web fetch is
// honoured once: the page is fetched and the model is asked again.
func (r *Runtime) Simple(ctx context.Context, in SimpleInput) (*SimpleOutput, error) {
	ctx, span := r.observe.StartSpan(ctx, "Simple")
	defer span.End()

	out := &SimpleOutput{}
	first, err := r.complete(ctx, in.System, in.Transcript, in.Model, out)
	if err != nil {
		return nil, err
	}

	target, ok := envelope.ExtractWebFetch(first)
	if !ok {
		out.Reply = strings.TrimSpace(first)
		return out, nil
	}
	if !in.Web || r.web == nil {
		r.observe.Log().Info().Str("url", target).Msg("web fetch requested while web access is off")
		out.Reply = fmt.Sprintf("Web access is disabled for this turn, so I could not fetch %s.", target)
		return out, nil
	}

	out.FetchedURL = target
	r.ui.UpdateStatus("Fetching " + target)
	var fetched string
	page, err := r.web.Fetch(ctx, target)
	if err != nil {
		out.FetchError = err.Error()
		r.observe.Log().Warn().Str("url", target).Str("kind", errs.KindOf(err)).Err(err).Msg("web fetch failed")
		fetched = fmt.Sprintf("WEB_FETCH_ERROR url=%s\n%s", target, err.Error())
	} else {
		fetched = fmt.Sprintf("WEB_FETCH_RESULT url=%s status=%d title=%q truncated=%t\n%s",
			page.URL, page.Status, page.Title, page.Truncated, page.Text)
	}

	transcript := make([]provider.Message, 0, len(in.Transcript)+2)
	transcript = append(transcript, in.Transcript...)
	transcript = append(transcript,
		provider.Message{Role: RoleAssistant, Content: first},
		provider.Message{Role: RoleUser, Content: fetched + "\n\nAnswer the original prompt using this content. Do not request another fetch."},
	)

	second, err := r.complete(ctx, in.System, transcript, in.Model, out)
	if err != nil {
		return nil, err
	}
	if _, again := envelope.ExtractWebFetch(second); again {
		out.Refused = true
		out.Reply = SecondFetchRefusal
		return out, nil
	}
	out.Reply = strings.TrimSpace(second)
	return out, nil
}

func (r *Runtime) complete(ctx context.Context, system string, msgs []provider.Message, model string, out *SimpleOutput) (string, error) {
	resp, err := r.completer.Complete(ctx, provider.Request{System: system, Messages: msgs, Model: model})
	if err != nil {
		return "", errs.Upstream(r.completer.Name(), "complete", err)
	}
	out.Usage.PromptTokens += resp.Usage.PromptTokens
	out.Usage.CompletionTokens += resp.Usage.CompletionTokens
	out.Usage.TotalTokens += resp.Usage.TotalTokens
	return resp.Content, nil
}
