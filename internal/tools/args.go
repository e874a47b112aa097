package tools

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

const (
	MaxTitleChars = 300
	MaxBodyChars  = 200000
	MaxQueryChars = 20000
	MaxTags       = 50
	DefaultLimit  = 10
	MaxLimit      = 50
)

// decodeArgs unmarshals a JSON object into v. Missing args decode as {}.
func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return errs.Invalid("args", "must be a JSON object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Invalid("args", "%v", err)
	}
	return nil
}

func checkID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errs.Invalid(field, "is required")
	}
	if len(id) != 36 {
		return "", errs.Invalid(field, "must be a UUID")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", errs.Invalid(field, "must be a UUID")
	}
	return strings.ToLower(id), nil
}

func checkOptionalID(field, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", nil
	}
	return checkID(field, id)
}

func checkLen(field, s string, max int) error {
	if utf8.RuneCountInString(s) > max {
		return errs.Invalid(field, "too long (max %d characters)", max)
	}
	return nil
}

func checkBody(field, body string) error {
	if strings.TrimSpace(body) == "" {
		return errs.Invalid(field, "must not be blank")
	}
	return checkLen(field, body, MaxBodyChars)
}

func checkTitle(title string) (string, error) {
	if err := checkLen("title", title, MaxTitleChars); err != nil {
		return "", err
	}
	return strings.TrimSpace(title), nil
}

func checkTags(tags []string) ([]string, error) {
	var out []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > MaxTags {
		return nil, errs.Invalid("tags", "too many tags (max %d)", MaxTags)
	}
	return out, nil
}

// checkAnnotations accepts an absent value or a JSON object.
func checkAnnotations(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, errs.Invalid("annotations", "must be an object")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Invalid("annotations", "%v", err)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = v
		}
	}
	return out, nil
}

// clampLimit reads a number or numeric string, defaulting to DefaultLimit
// and clamping to 1..MaxLimit.
func clampLimit(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return DefaultLimit
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return DefaultLimit
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return DefaultLimit
		}
	}
	n := int(f)
	if n < 1 {
		return 1
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
