package envelope

import (
	"encoding/json"
	"net/url"
	"strings"
)

const (
	CaptureMarker  = "===CAPTURE==="
	WebFetchMarker = "===WEB_FETCH==="
)

// Capture is the note a reply asks to be filed in the inbox.
type Capture struct {
	Title string
	Text  string
	Tags  []string
}

type capturePayload struct {
	Title string          `json:"title"`
	Text  string          `json:"text"`
	Tags  json.RawMessage `json:"tags"`
}

// ExtractCapture splits raw at the last capture marker. The answer never
// contains the marker. ok is false when there is no marker, the payload is
// null or malformed, or it lacks a title or text.
func ExtractCapture(raw string) (answer string, capture *Capture, ok bool) {
	idx := strings.LastIndex(raw, CaptureMarker)
	if idx < 0 {
		return strings.TrimSpace(raw), nil, false
	}

	answer = strings.TrimSpace(raw[:idx])
	tail := strings.TrimSpace(raw[idx+len(CaptureMarker):])
	line, _, _ := strings.Cut(tail, "\n")
	line = strings.TrimSpace(line)
	if line == "" || strings.EqualFold(line, "null") {
		return answer, nil, false
	}

	var p capturePayload
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return answer, nil, false
	}
	c := &Capture{
		Title: strings.TrimSpace(p.Title),
		Text:  strings.TrimSpace(p.Text),
		Tags:  captureTags(p.Tags),
	}
	if c.Title == "" || c.Text == "" {
		return answer, nil, false
	}
	return answer, c, true
}

// captureTags accepts a JSON array or a comma/semicolon separated string.
func captureTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var parts []string
	var list []any
	var s string
	switch {
	case json.Unmarshal(raw, &list) == nil:
		for _, v := range list {
			if str, ok := v.(string); ok {
				parts = append(parts, str)
			}
		}
	case json.Unmarshal(raw, &s) == nil:
		parts = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	}

	var tags []string
	for _, t := range parts {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ExtractWebFetch returns the URL of the first web fetch request line. A
// request for anything but http or https is ignored.
func ExtractWebFetch(raw string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		rest, found := strings.CutPrefix(line, WebFetchMarker)
		if !found {
			continue
		}
		target := strings.TrimSpace(rest)
		if target == "" || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", false
		}
		return target, true
	}
	return "", false
}
