// Package schedule implements the time-window state machine governing when
// participants may enter an assessment, and the sweeper that closes windows
// as wall-clock time passes.
package schedule

import (
	"sync"
	"time"

	"github.com/procyon-edu/assessd/internal/model"
)

// Clock is the single authoritative time source. Production code uses
// SystemClock; tests inject a FakeClock so no test sleeps on wall time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a fake clock pinned at the given instant.
func NewFakeClock(at time.Time) *FakeClock {
	return &FakeClock{now: at}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// PhaseAt computes the lifecycle phase of a window at the given instant.
// A frozen window never progresses to closed: freezing pauses the
// countdown until the owner unfreezes.
func PhaseAt(w model.ScheduleWindow, now time.Time) model.Phase {
	if now.Before(w.OpenAt) {
		return model.PhaseUpcoming
	}
	if w.Frozen {
		return model.PhaseOpen
	}
	if !now.Before(w.CloseAt) {
		return model.PhaseClosed
	}
	return model.PhaseOpen
}

// Remaining reports how much time is left before the window closes. While
// frozen the value is pinned at what it was when the freeze began.
func Remaining(w model.ScheduleWindow, now time.Time) time.Duration {
	ref := now
	if w.Frozen && w.FrozenSince != nil {
		ref = *w.FrozenSince
	}
	if ref.Before(w.OpenAt) {
		ref = w.OpenAt
	}
	left := w.CloseAt.Sub(ref)
	if left < 0 {
		return 0
	}
	return left
}

// WithDuration derives a new window from a changed duration. The new
// duration may extend or reduce the window but never below the time already
// elapsed since openAt, so a running window cannot be closed retroactively.
func WithDuration(w model.ScheduleWindow, now time.Time, minutes int) (model.ScheduleWindow, error) {
	if minutes <= 0 {
		return w, model.Invalidf("duration: must be positive, got %d", minutes)
	}
	d := time.Duration(minutes) * time.Minute
	if elapsed := now.Sub(w.OpenAt); elapsed > 0 && d < elapsed {
		return w, model.Invalidf("duration: %d minutes is below the %s already elapsed", minutes, elapsed.Round(time.Second))
	}
	w.DurationMinutes = minutes
	w.CloseAt = w.OpenAt.Add(d)
	return w, nil
}

// EndNow collapses the remaining time to zero so the next evaluation sees
// the window closed. Only an open window can be ended.
func EndNow(w model.ScheduleWindow, now time.Time) (model.ScheduleWindow, error) {
	if PhaseAt(w, now) != model.PhaseOpen {
		return w, model.Invalidf("end now: window is not open")
	}
	if w.Frozen {
		w = unfreeze(w, now)
	}
	w.CloseAt = now
	if !w.CloseAt.After(w.OpenAt) {
		// Ending in the very first instant: keep closeAt strictly after
		// openAt so the window invariant holds.
		w.CloseAt = w.OpenAt.Add(time.Second)
	}
	w.DurationMinutes = elapsedMinutes(w)
	return w, nil
}

// Freeze pauses the countdown. Toggling an already frozen window is a no-op.
func Freeze(w model.ScheduleWindow, now time.Time) model.ScheduleWindow {
	if w.Frozen {
		return w
	}
	w.Frozen = true
	w.FrozenSince = &now
	return w
}

// Unfreeze resumes the countdown, shifting closeAt forward by the span the
// window spent frozen so no participant time is lost.
func Unfreeze(w model.ScheduleWindow, now time.Time) model.ScheduleWindow {
	if !w.Frozen {
		return w
	}
	return unfreeze(w, now)
}

func unfreeze(w model.ScheduleWindow, now time.Time) model.ScheduleWindow {
	if w.FrozenSince != nil {
		if paused := now.Sub(*w.FrozenSince); paused > 0 {
			w.CloseAt = w.CloseAt.Add(paused)
		}
	}
	w.Frozen = false
	w.FrozenSince = nil
	return w
}

// Reopen builds a fresh window for participants who never attempted the
// previous one. The reopen instant is recorded so entry checks can tell
// pre-reopen attempts apart from eligible participants.
func Reopen(next model.ScheduleWindow, now time.Time) (model.ScheduleWindow, error) {
	if next.CloseAt.IsZero() && next.DurationMinutes > 0 {
		next.CloseAt = next.OpenAt.Add(time.Duration(next.DurationMinutes) * time.Minute)
	}
	if err := model.ValidateWindow(next); err != nil {
		return next, err
	}
	next.Frozen = false
	next.FrozenSince = nil
	next.ReopenedAt = &now
	return next, nil
}

func elapsedMinutes(w model.ScheduleWindow) int {
	m := int(w.CloseAt.Sub(w.OpenAt) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
