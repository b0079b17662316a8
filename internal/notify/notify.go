// Package notify carries engine events to the notification collaborator.
// Rendering and delivery are out of scope here; the engine only promises
// that each event fires at most once per transition.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/procyon-edu/assessd/internal/model"
)

// Notifier receives engine events. Implementations must tolerate being
// called from the sweeper goroutine as well as request handlers.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event)
}

// LogNotifier writes events to the structured log. It stands in for a real
// delivery channel in development and in the default server wiring.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev model.Event) {
	slog.Info("notification",
		"kind", ev.Kind,
		"assessment_id", ev.AssessmentID,
		"title", ev.Title,
		"participant", ev.ParticipantRef,
		"score", ev.Score,
		"total", ev.Total,
	)
}

// Recorder captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Notify(_ context.Context, ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns the recorded events of one kind.
func (r *Recorder) ByKind(kind model.EventKind) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
