// Package envelope recovers structured intent from free-form model output:
// the agent directive object, the capture footer and the web fetch request
// line.
package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Key is the top-level field that marks a directive object.
const Key = "enkidu_agent"

// trailingWindow bounds the backward brace scan.
const trailingWindow = 20000

// Directive types understood by the agent loop.
const (
	TypePlan     = "plan"
	TypeToolCall = "tool_call"
	TypeFinal    = "final"
)

type Status int

const (
	// None means no object carrying Key was found.
	None Status = iota
	// Empty means the key was present but null, {} or untyped.
	Empty
	Found
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Found:
		return "found"
	}
	return "none"
}

type Directive struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	ID   string          `json:"id,omitempty"`
}

type Result struct {
	Status    Status
	Directive Directive
}

// ExtractDirective finds the directive in raw model output. It first tries
// the whole (optionally fenced) text, then scans the tail of the text for
// the rightmost object that carries Key.
func ExtractDirective(raw string) Result {
	if res, ok := parseCandidate(stripFence(strings.TrimSpace(raw))); ok {
		return res
	}

	tail := raw
	if len(tail) > trailingWindow {
		tail = tail[len(tail)-trailingWindow:]
	}
	end := strings.LastIndexByte(tail, '}')
	if end < 0 {
		return Result{Status: None}
	}
	for start := strings.LastIndexByte(tail[:end], '{'); start >= 0; start = strings.LastIndexByte(tail[:start], '{') {
		if res, ok := parseCandidate(tail[start : end+1]); ok {
			return res
		}
	}
	return Result{Status: None}
}

// stripFence removes one layer of ```lang ... ``` around s.
func stripFence(s string) string {
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseCandidate reports ok only when s is a JSON object containing Key.
func parseCandidate(s string) (Result, bool) {
	if s == "" || s[0] != '{' {
		return Result{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return Result{}, false
	}
	val, ok := obj[Key]
	if !ok {
		return Result{}, false
	}
	return classify(val), true
}

func classify(val json.RawMessage) Result {
	val = bytes.TrimSpace(val)
	if len(val) == 0 || val[0] != '{' {
		return Result{Status: Empty}
	}
	var d Directive
	if err := json.Unmarshal(val, &d); err != nil {
		return Result{Status: Empty}
	}
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return Result{Status: Empty}
	}
	if bytes.Equal(bytes.TrimSpace(d.Args), []byte("null")) {
		d.Args = nil
	}
	return Result{Status: Found, Directive: d}
}
