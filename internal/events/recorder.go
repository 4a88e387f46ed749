package events

import (
	"sync"

	"github.com/goccy/go-json"
)

// Recorder is a Publisher that keeps every signal in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) PublishJSON(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Payload: raw})
	return nil
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Count returns how many events of eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Last decodes the payload of the most recent eventType signal into out.
func (r *Recorder) Last(eventType string, out interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return json.Unmarshal(r.events[i].Payload, out) == nil
		}
	}
	return false
}
