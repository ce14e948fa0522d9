package proctortest

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Submitter records every delivery. Err, when set, fails each call.
type Submitter struct {
	mu     sync.Mutex
	Err    error
	Status proctor.Delivery
	calls  [][]model.ResponseRecord
}

func (s *Submitter) Submit(ctx context.Context, records []model.ResponseRecord) (proctor.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, records)
	if s.Err != nil {
		return "", s.Err
	}
	if s.Status == "" {
		return proctor.DeliveryDelivered, nil
	}
	return s.Status, nil
}

func (s *Submitter) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

func (s *Submitter) Calls() [][]model.ResponseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]model.ResponseRecord, len(s.calls))
	copy(out, s.calls)
	return out
}

// Recorder collects monitor events.
type Recorder struct {
	mu     sync.Mutex
	events []proctor.Event
}

func (r *Recorder) OnEvent(ev proctor.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Count returns how many events of type t were seen.
func (r *Recorder) Count(t proctor.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *Recorder) Events() []proctor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proctor.Event, len(r.events))
	copy(out, r.events)
	return out
}
