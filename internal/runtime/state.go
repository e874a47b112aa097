package runtime

import (
	"time"

	"github.com/felixgeelhaar/enkidu/internal/provider"
)

// State is the loop controller's position.
type State string

const (
	StateAwaitingDirective State = "awaiting_directive"
	StateExecutingTool     State = "executing_tool"
	StateTerminal          State = "terminal"
)

// LoopState tracks one loop invocation. It is owned by a single goroutine.
type LoopState struct {
	RunID             string
	State             State
	Iteration         int
	TotalPromptTokens int
	TotalOutputTokens int
	LastRaw           string
	StartedAt         time.Time
	LastUpdatedAt     time.Time

	transcript []provider.Message
}

func newLoopState(runID string, transcript []provider.Message) *LoopState {
	now := time.Now()
	s := &LoopState{
		RunID:         runID,
		State:         StateAwaitingDirective,
		StartedAt:     now,
		LastUpdatedAt: now,
		transcript:    make([]provider.Message, 0, len(transcript)+8),
	}
	s.transcript = append(s.transcript, transcript...)
	return s
}

func (s *LoopState) touch() { s.LastUpdatedAt = time.Now() }

// NextIteration increments the iteration counter and returns the new value.
func (s *LoopState) NextIteration() int {
	s.Iteration++
	s.touch()
	return s.Iteration
}

// AddUsage adds token usage to the totals.
func (s *LoopState) AddUsage(u provider.Usage) {
	s.TotalPromptTokens += u.PromptTokens
	s.TotalOutputTokens += u.CompletionTokens
	s.touch()
}

// Append adds a turn to the transcript.
func (s *LoopState) Append(role, content string) {
	s.transcript = append(s.transcript, provider.Message{Role: role, Content: content})
	s.touch()
}

// Transcript returns a copy of the transcript.
func (s *LoopState) Transcript() []provider.Message {
	out := make([]provider.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Len returns the number of transcript turns.
func (s *LoopState) Len() int { return len(s.transcript) }

// Transition moves the controller to st.
func (s *LoopState) Transition(st State) {
	s.State = st
	s.touch()
}
