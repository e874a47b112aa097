// Package webfetch retrieves a web page and reduces it to readable text.
package webfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

const (
	DefaultMaxChars = 20000
	DefaultTimeout  = 20 * time.Second
	maxBodyBytes    = 2 << 20
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// Page is the text form of a fetched document.
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated"`
}

// Fetcher is the web capability.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	MaxChars  int
	Timeout   time.Duration
}

func New(version string) *Fetcher {
	if version == "" {
		version = "dev"
	}
	return &Fetcher{
		Client:    http.DefaultClient,
		UserAgent: "enkidu/" + version,
		MaxChars:  DefaultMaxChars,
		Timeout:   DefaultTimeout,
	}
}

// ValidateURL accepts only absolute http and https URLs.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errs.Invalid("url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.Invalid("url", "only http and https URLs can be fetched")
	}
	if u.Host == "" {
		return nil, errs.Invalid("url", "missing host")
	}
	return u, nil
}

// Fetch downloads rawURL and converts it to text. Non-2xx responses and
// transport failures are upstream errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Upstream("web", "fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errs.UpstreamError{
			Service: "web",
			Op:      "fetch",
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("GET %s: %s", u.String(), resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.Upstream("web", "read", err)
	}

	page := &Page{
		URL:         u.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if strings.Contains(page.ContentType, "html") || (page.ContentType == "" && looksLikeHTML(body)) {
		page.Title, page.Text, err = htmlToText(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
	} else {
		page.Text = strings.TrimSpace(string(body))
	}

	page.Text, page.Truncated = truncate(page.Text, f.maxChars())
	return page, nil
}

func (f *Fetcher) maxChars() int {
	if f.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return f.MaxChars
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}

func htmlToText(content string) (title, text string, err error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, &title, 0)
	return strings.TrimSpace(title), cleanText(sb.String()), nil
}

func extractText(n *html.Node, sb *strings.Builder, title *string, depth int) {
	if depth > 64 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "template":
			return
		case "title":
			if n.FirstChild != nil && *title == "" {
				*title = n.FirstChild.Data
			}
			return
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "pre", "blockquote":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, title, depth+1)
	}
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
