package runtime

import (
	"sync"
	"time"
)

type EventType string

// Events published while a turn or dream pass runs.
const (
	EventIterationStart   EventType = "iteration_start"
	EventIterationEnd     EventType = "iteration_end"
	EventProviderRequest  EventType = "provider_request"
	EventProviderResponse EventType = "provider_response"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallEnd      EventType = "tool_call_end"
	EventProtocolError    EventType = "protocol_error"
	EventLoopTerminal     EventType = "loop_terminal"
	EventRecordWritten    EventType = "record_written"
	EventWriteBlocked     EventType = "write_blocked"
)

// Event is one step of a run. RunID is the loop run or, for chat writes, the
// thread id.
type Event struct {
	Type  EventType
	At    time.Time
	RunID string
	Data  map[string]any
}

type EventHandler func(Event)

type subscription struct {
	types   map[EventType]bool
	handler EventHandler
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// EventBus delivers events to handlers on the publishing goroutine, in
// registration order.
type EventBus struct {
	mu   sync.RWMutex
	subs []subscription
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// On registers h for the given types, or for every event when none are given.
func (eb *EventBus) On(h EventHandler, types ...EventType) {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	eb.mu.Lock()
	eb.subs = append(eb.subs, sub)
	eb.mu.Unlock()
}

// Publish delivers e. A nil bus drops it.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subs {
		if sub.wants(e.Type) {
			sub.handler(e)
		}
	}
}

func (eb *EventBus) Emit(t EventType, runID string, data map[string]any) {
	eb.Publish(Event{Type: t, RunID: runID, Data: data})
}

// Tee returns a bus that forwards to eb and then to next. Either may be nil.
func (eb *EventBus) Tee(next *EventBus) *EventBus {
	out := NewEventBus()
	if eb != nil {
		out.On(eb.Publish)
	}
	if next != nil {
		out.On(next.Publish)
	}
	return out
}

// Counts tallies events by type. The returned func snapshots the tally.
func (eb *EventBus) Counts() func() map[EventType]int {
	var mu sync.Mutex
	tally := make(map[EventType]int)
	eb.On(func(e Event) {
		mu.Lock()
		tally[e.Type]++
		mu.Unlock()
	})
	return func() map[EventType]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[EventType]int, len(tally))
		for k, v := range tally {
			out[k] = v
		}
		return out
	}
}
