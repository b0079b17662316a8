// Package engine implements the assessment lifecycle operations: creation,
// schedule mutation, attempt tracking, grading, and the manual review
// workflow. It owns no state beyond its collaborators; every operation is a
// store round-trip guarded by the validation and precondition rules the
// data model requires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procyon-edu/assessd/internal/feed"
	"github.com/procyon-edu/assessd/internal/model"
	"github.com/procyon-edu/assessd/internal/notify"
	"github.com/procyon-edu/assessd/internal/schedule"
	"github.com/procyon-edu/assessd/internal/store"
)

var (
	ErrNotFound         = errors.New("assessment not found")
	ErrWindowNotOpen    = errors.New("assessment window is not open")
	ErrWindowClosed     = errors.New("assessment window is closed")
	ErrNotClosed        = errors.New("assessment window is not closed yet")
	ErrNotEligible      = errors.New("participant is not eligible for this window")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrNoAttempt        = errors.New("participant has no attempt")
	ErrAlreadyPublished = errors.New("result already published")
	ErrUnmarkedQuestion = errors.New("question has neither mark nor award")
	ErrAwardOutOfRange  = errors.New("award outside question points range")
	ErrNotManual        = errors.New("assessment is not manually graded")
)

// Roster is the course/enrollment collaborator. The engine consumes it to
// fan notifications out to participants; enrollment itself lives elsewhere.
type Roster interface {
	EnrolledParticipants(ctx context.Context, courseRef string) ([]string, error)
}

// Engine wires the stores, the clock, and the outbound collaborators.
type Engine struct {
	store    *store.Store
	clock    schedule.Clock
	notifier notify.Notifier
	hub      *feed.Hub
	roster   Roster
	reclaim  func(id string)
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithHub makes every assessment write visible to live feed subscribers.
func WithHub(h *feed.Hub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithRoster enables per-participant notification fan-out.
func WithRoster(r Roster) Option {
	return func(e *Engine) { e.roster = r }
}

// WithSweeperReset lets a reopened assessment be swept closed again within
// the same process lifetime.
func WithSweeperReset(forget func(id string)) Option {
	return func(e *Engine) { e.reclaim = forget }
}

func New(s *store.Store, clock schedule.Clock, notifier notify.Notifier, opts ...Option) *Engine {
	e := &Engine{store: s, clock: clock, notifier: notifier}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateInput carries everything needed to define an assessment.
type CreateInput struct {
	Title       string
	CourseRef   string
	OwnerRef    string
	Questions   []model.Question
	GradingMode model.GradingMode
	Schedule    model.ScheduleWindow
}

// CreateAssessment validates and persists a new assessment, then announces
// it to enrolled participants. Nothing is written when validation fails.
func (e *Engine) CreateAssessment(ctx context.Context, in CreateInput) (model.Assessment, error) {
	now := e.clock.Now()
	w := in.Schedule
	if w.CloseAt.IsZero() && w.DurationMinutes > 0 {
		w.CloseAt = w.OpenAt.Add(time.Duration(w.DurationMinutes) * time.Minute)
	}
	a := model.Assessment{
		ID:          uuid.NewString(),
		Title:       in.Title,
		CourseRef:   in.CourseRef,
		OwnerRef:    in.OwnerRef,
		Questions:   in.Questions,
		GradingMode: in.GradingMode,
		Schedule:    w,
		Active:      true,
		Rev:         1,
		CreatedAt:   now,
	}
	for i := range a.Questions {
		if a.Questions[i].ID == "" {
			a.Questions[i].ID = uuid.NewString()
		}
	}
	if err := model.ValidateNew(a); err != nil {
		return model.Assessment{}, err
	}
	if err := e.store.CreateAssessment(ctx, a); err != nil {
		return model.Assessment{}, err
	}
	e.publish(a)
	e.fanOut(ctx, a, model.EventAssessmentPublished, nil)
	return a, nil
}

// GetAssessment returns an assessment by id.
func (e *Engine) GetAssessment(ctx context.Context, id string) (model.Assessment, error) {
	a, err := e.store.GetAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	if a == nil || !a.Active {
		return model.Assessment{}, ErrNotFound
	}
	return *a, nil
}

// ListByOwner returns the instructor's assessments.
func (e *Engine) ListByOwner(ctx context.Context, ownerRef string) ([]model.Assessment, error) {
	return e.store.ListByOwner(ctx, ownerRef)
}

// ListByCourse returns a course's assessments.
func (e *Engine) ListByCourse(ctx context.Context, courseRef string) ([]model.Assessment, error) {
	return e.store.ListByCourse(ctx, courseRef)
}

// ListForParticipant returns the union of assessments across the
// participant's enrolled courses.
func (e *Engine) ListForParticipant(ctx context.Context, enrolledCourseRefs []string) ([]model.Assessment, error) {
	return e.store.ListByCourses(ctx, enrolledCourseRefs)
}

// SchedulePatch is a partial schedule update. Nil fields stay untouched.
type SchedulePatch struct {
	OpenAt          *time.Time
	CloseAt         *time.Time
	DurationMinutes *int
}

// UpdateSchedule applies a partial schedule mutation to an upcoming or open
// assessment. A new duration re-derives closeAt and may not undercut the
// time already elapsed.
func (e *Engine) UpdateSchedule(ctx context.Context, id string, patch SchedulePatch) (model.Assessment, error) {
	a, err := e.mutableAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	now := e.clock.Now()
	w := a.Schedule
	if patch.OpenAt != nil {
		w.OpenAt = *patch.OpenAt
	}
	if patch.CloseAt != nil {
		w.CloseAt = *patch.CloseAt
	}
	if patch.DurationMinutes != nil {
		w, err = schedule.WithDuration(w, now, *patch.DurationMinutes)
		if err != nil {
			return model.Assessment{}, err
		}
	}
	if err := model.ValidateWindow(w); err != nil {
		return model.Assessment{}, err
	}
	return e.saveWindow(ctx, a, w)
}

// SetFrozen pauses or resumes the countdown.
func (e *Engine) SetFrozen(ctx context.Context, id string, frozen bool) (model.Assessment, error) {
	a, err := e.mutableAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	now := e.clock.Now()
	var w model.ScheduleWindow
	if frozen {
		w = schedule.Freeze(a.Schedule, now)
	} else {
		w = schedule.Unfreeze(a.Schedule, now)
	}
	return e.saveWindow(ctx, a, w)
}

// EndNow collapses the remaining time to zero. The sweeper records the
// closure and sends the close notification on its next tick.
func (e *Engine) EndNow(ctx context.Context, id string) (model.Assessment, error) {
	a, err := e.mutableAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	now := e.clock.Now()
	w, err := schedule.EndNow(a.Schedule, now)
	if err != nil {
		return model.Assessment{}, err
	}
	return e.saveWindow(ctx, a, w)
}

// ReopenForUnattempted installs a fresh window on a closed assessment.
// The schedule is assessment-level, so the entry check in StartAttempt is
// what keeps already-started and already-submitted participants out; the
// notification here only reaches those with no attempt.
func (e *Engine) ReopenForUnattempted(ctx context.Context, id string, next model.ScheduleWindow) (model.Assessment, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	now := e.clock.Now()
	if a.ClosedAt == nil && schedule.PhaseAt(a.Schedule, now) != model.PhaseClosed {
		return model.Assessment{}, ErrNotClosed
	}
	w, err := schedule.Reopen(next, now)
	if err != nil {
		return model.Assessment{}, err
	}
	if err := e.store.ReopenSchedule(ctx, id, w); err != nil {
		return model.Assessment{}, err
	}
	if e.reclaim != nil {
		e.reclaim(id)
	}
	updated, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	e.publish(updated)

	attempted, err := e.store.ListAttemptedParticipants(ctx, id)
	if err != nil {
		return model.Assessment{}, fmt.Errorf("list attempted participants: %w", err)
	}
	skip := make(map[string]bool, len(attempted))
	for _, ref := range attempted {
		skip[ref] = true
	}
	e.fanOut(ctx, updated, model.EventAssessmentReopened, skip)
	return updated, nil
}

// DeleteAssessment soft-deletes the definition. Historical attempts and
// results stay queryable through exports.
func (e *Engine) DeleteAssessment(ctx context.Context, id string) error {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.SoftDelete(ctx, id); err != nil {
		return err
	}
	a.Active = false
	a.Rev++
	e.publish(a)
	return nil
}

// mutableAssessment loads an assessment whose schedule may still change:
// it must exist, be active, and not be permanently closed.
func (e *Engine) mutableAssessment(ctx context.Context, id string) (model.Assessment, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.Assessment{}, err
	}
	if a.ClosedAt != nil {
		return model.Assessment{}, ErrWindowClosed
	}
	return a, nil
}

func (e *Engine) saveWindow(ctx context.Context, a model.Assessment, w model.ScheduleWindow) (model.Assessment, error) {
	if err := e.store.UpdateScheduleWindow(ctx, a.ID, w); err != nil {
		return model.Assessment{}, err
	}
	a.Schedule = w
	a.Rev++
	e.publish(a)
	return a, nil
}

func (e *Engine) publish(a model.Assessment) {
	if e.hub != nil {
		e.hub.Publish(a)
	}
}

// fanOut emits one event per enrolled participant, minus the skip set.
// Without a roster a single participant-less event still reaches the
// notification collaborator.
func (e *Engine) fanOut(ctx context.Context, a model.Assessment, kind model.EventKind, skip map[string]bool) {
	at := e.clock.Now()
	if e.roster == nil {
		e.notifier.Notify(ctx, model.Event{Kind: kind, AssessmentID: a.ID, Title: a.Title, At: at})
		return
	}
	participants, err := e.roster.EnrolledParticipants(ctx, a.CourseRef)
	if err != nil {
		e.notifier.Notify(ctx, model.Event{Kind: kind, AssessmentID: a.ID, Title: a.Title, At: at})
		return
	}
	for _, ref := range participants {
		if skip[ref] {
			continue
		}
		e.notifier.Notify(ctx, model.Event{
			Kind:           kind,
			AssessmentID:   a.ID,
			Title:          a.Title,
			ParticipantRef: ref,
			At:             at,
		})
	}
}
