package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procyon-edu/assessd/internal/feed"
	"github.com/procyon-edu/assessd/internal/model"
	"github.com/procyon-edu/assessd/internal/notify"
	"github.com/procyon-edu/assessd/internal/schedule"
	"github.com/procyon-edu/assessd/internal/store"
)

type staticRoster map[string][]string

func (r staticRoster) EnrolledParticipants(_ context.Context, courseRef string) ([]string, error) {
	return r[courseRef], nil
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	clock   *schedule.FakeClock
	rec     *notify.Recorder
	hub     *feed.Hub
	sweeper *schedule.Sweeper
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{}
	hub := feed.NewHub()
	sweeper := schedule.NewSweeper(s, rec, clock, time.Second)

	opts = append([]Option{WithHub(hub), WithSweeperReset(sweeper.Forget)}, opts...)
	return &testRig{
		engine:  New(s, clock, rec, opts...),
		store:   s,
		clock:   clock,
		rec:     rec,
		hub:     hub,
		sweeper: sweeper,
	}
}

func autoQuestions() []model.Question {
	return []model.Question{
		{
			ID: "q1", Type: model.SingleChoice, Prompt: "Capital of France?", Points: 10,
			Choices: []model.Choice{
				{ID: "a", Text: "Paris", Correct: true},
				{ID: "b", Text: "Lyon"},
			},
		},
	}
}

func manualQuestions() []model.Question {
	return []model.Question{
		{
			ID: "q1", Type: model.FreeResponse, Prompt: "Explain goroutine scheduling.", Points: 10,
		},
	}
}

func (r *testRig) create(t *testing.T, mode model.GradingMode, questions []model.Question, minutes int) model.Assessment {
	t.Helper()
	openAt := r.clock.Now()
	a, err := r.engine.CreateAssessment(context.Background(), CreateInput{
		Title:       "Unit Test Quiz",
		CourseRef:   "course-1",
		OwnerRef:    "teacher-1",
		Questions:   questions,
		GradingMode: mode,
		Schedule: model.ScheduleWindow{
			OpenAt:          openAt,
			DurationMinutes: minutes,
		},
	})
	require.NoError(t, err)
	return a
}

func TestCreateAssessment(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, int64(1), a.Rev)
	assert.Equal(t, a.Schedule.OpenAt.Add(30*time.Minute), a.Schedule.CloseAt)

	got, err := rig.engine.GetAssessment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Title, got.Title)

	events := rig.rec.ByKind(model.EventAssessmentPublished)
	require.Len(t, events, 1)
	assert.Equal(t, a.ID, events[0].AssessmentID)
}

func TestCreateAssessmentValidationWritesNothing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	questions := autoQuestions()
	questions[0].Choices[0].Correct = false
	_, err := rig.engine.CreateAssessment(ctx, CreateInput{
		Title:       "Broken Key",
		CourseRef:   "course-1",
		OwnerRef:    "teacher-1",
		Questions:   questions,
		GradingMode: model.GradingAuto,
		Schedule:    model.ScheduleWindow{OpenAt: rig.clock.Now(), DurationMinutes: 30},
	})
	require.Error(t, err)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	list, err := rig.engine.ListByOwner(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, rig.rec.Events())
}

func TestAutoSubmitGrades(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	_, err = rig.engine.StartAttempt(ctx, a.ID, "student-2")
	require.NoError(t, err)
	rig.clock.Advance(5 * time.Minute)

	right, err := rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {ChoiceID: "a"}}, false)
	require.NoError(t, err)
	assert.Equal(t, model.ResultGraded, right.Status)
	assert.Equal(t, 10, right.Score)
	assert.Equal(t, 10, right.Total)
	assert.NotNil(t, right.GradedAt)

	wrong, err := rig.engine.SubmitAttempt(ctx, a.ID, "student-2", model.AnswerSet{"q1": {ChoiceID: "b"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, wrong.Score)
	assert.Equal(t, 10, wrong.Total)

	// Second submit changes nothing.
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {ChoiceID: "b"}}, false)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	stored, err := rig.engine.GetAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Answers["q1"].ChoiceID)
}

func TestStartAttemptWindowChecks(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Window opens in the future.
	openAt := rig.clock.Now().Add(time.Hour)
	upcoming, err := rig.engine.CreateAssessment(ctx, CreateInput{
		Title: "Later", CourseRef: "course-1", OwnerRef: "teacher-1",
		Questions: autoQuestions(), GradingMode: model.GradingAuto,
		Schedule: model.ScheduleWindow{OpenAt: openAt, DurationMinutes: 30},
	})
	require.NoError(t, err)
	_, err = rig.engine.StartAttempt(ctx, upcoming.ID, "student-1")
	assert.ErrorIs(t, err, ErrWindowNotOpen)

	// Open window: entry is idempotent.
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)
	first, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	rig.clock.Advance(time.Minute)
	again, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.StartAt.Equal(again.StartAt))

	// Past the close boundary.
	rig.clock.Advance(time.Hour)
	_, err = rig.engine.StartAttempt(ctx, a.ID, "student-2")
	assert.ErrorIs(t, err, ErrWindowClosed)

	// Missing assessment.
	_, err = rig.engine.StartAttempt(ctx, "nope", "student-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitRequiresAttempt(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{}, false)
	assert.ErrorIs(t, err, ErrNoAttempt)
}

func TestAutoSubmitAtBoundary(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	rig.clock.Advance(31 * time.Minute)

	// A manual submit after close is rejected.
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {ChoiceID: "a"}}, false)
	assert.ErrorIs(t, err, ErrWindowNotOpen)

	// The timer-driven submit lands.
	result, err := rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {ChoiceID: "a"}}, true)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Score)

	attempt, err := rig.engine.GetAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	assert.True(t, attempt.AutoSubmitted)
}

func TestManualReviewFlow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingManual, manualQuestions(), 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	rig.clock.Advance(5 * time.Minute)
	pending, err := rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {Text: "a long essay"}}, false)
	require.NoError(t, err)
	assert.Equal(t, model.ResultPending, pending.Status)
	assert.Equal(t, 10, pending.Total)
	assert.Nil(t, pending.GradedAt)

	// The queue stays empty while the window is open.
	tickets, err := rig.engine.ListManualCandidates(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Empty(t, tickets)

	rig.clock.Advance(time.Hour)
	rig.sweeper.Tick(ctx)

	tickets, err = rig.engine.ListManualCandidates(ctx, "teacher-1")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "student-1", tickets[0].ParticipantRef)
	assert.Equal(t, a.ID, tickets[0].Assessment.ID)

	published, err := rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID:   a.ID,
		ParticipantRef: "student-1",
		GraderRef:      "teacher-1",
		Awards:         map[string]int{"q1": 5},
		Feedback:       "good effort",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultGraded, published.Status)
	assert.Equal(t, 5, published.Score)
	assert.Equal(t, 10, published.Total)
	assert.Equal(t, "good effort", published.Feedback)
	assert.Equal(t, "teacher-1", published.GraderRef)

	events := rig.rec.ByKind(model.EventGradePublished)
	require.Len(t, events, 1)
	assert.Equal(t, "student-1", events[0].ParticipantRef)
	assert.Equal(t, 5, events[0].Score)

	// Second publish fails and changes nothing, including notifications.
	_, err = rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID:   a.ID,
		ParticipantRef: "student-1",
		GraderRef:      "teacher-2",
		Awards:         map[string]int{"q1": 9},
	})
	assert.ErrorIs(t, err, ErrAlreadyPublished)
	assert.Len(t, rig.rec.ByKind(model.EventGradePublished), 1)

	detail, _, err := rig.engine.ResultDetail(ctx, a.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 5, detail.Score)
	assert.Equal(t, "teacher-1", detail.GraderRef)
}

func TestPublishGradeMarkAndAwardRules(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	questions := []model.Question{
		{
			ID: "choice", Type: model.SingleChoice, Prompt: "Pick one", Points: 4,
			Choices: []model.Choice{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}},
		},
		{ID: "essay", Type: model.FreeResponse, Prompt: "Discuss.", Points: 6},
	}
	a := rig.create(t, model.GradingManual, questions, 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	answers := model.AnswerSet{"choice": {ChoiceID: "a"}, "essay": {Text: "words"}}
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "student-1", answers, false)
	require.NoError(t, err)
	rig.clock.Advance(time.Hour)

	// An unmarked non-essay question blocks the publish.
	_, err = rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID: a.ID, ParticipantRef: "student-1", GraderRef: "teacher-1",
		Awards: map[string]int{"essay": 3},
	})
	assert.ErrorIs(t, err, ErrUnmarkedQuestion)

	// An essay without an explicit award blocks the publish.
	_, err = rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID: a.ID, ParticipantRef: "student-1", GraderRef: "teacher-1",
		Marks: map[string]model.Mark{"choice": model.MarkCorrect, "essay": model.MarkCorrect},
	})
	assert.ErrorIs(t, err, ErrUnmarkedQuestion)

	// An award above the question's points blocks the publish.
	_, err = rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID: a.ID, ParticipantRef: "student-1", GraderRef: "teacher-1",
		Marks:  map[string]model.Mark{"choice": model.MarkCorrect},
		Awards: map[string]int{"essay": 7},
	})
	assert.ErrorIs(t, err, ErrAwardOutOfRange)

	// Correct mark implies full points; the essay award adds on top.
	result, err := rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID: a.ID, ParticipantRef: "student-1", GraderRef: "teacher-1",
		Marks:  map[string]model.Mark{"choice": model.MarkCorrect},
		Awards: map[string]int{"essay": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Score)
	assert.Equal(t, 10, result.Total)
}

func TestPublishGradeRejectsAutoMode(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.PublishGrade(ctx, PublishInput{
		AssessmentID: a.ID, ParticipantRef: "student-1", GraderRef: "teacher-1",
	})
	assert.ErrorIs(t, err, ErrNotManual)
}

func TestManualCandidateFiltering(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	questions := []model.Question{
		{ID: "q1", Type: model.FreeResponse, Prompt: "One", Points: 5},
		{ID: "q2", Type: model.FreeResponse, Prompt: "Two", Points: 5},
	}
	a := rig.create(t, model.GradingManual, questions, 30)

	start := func(ref string) {
		_, err := rig.engine.StartAttempt(ctx, a.ID, ref)
		require.NoError(t, err)
	}
	start("complete")
	start("partial")
	start("timer")

	rig.clock.Advance(5 * time.Minute)
	_, err := rig.engine.SubmitAttempt(ctx, a.ID, "complete",
		model.AnswerSet{"q1": {Text: "one"}, "q2": {Text: "two"}}, false)
	require.NoError(t, err)
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "partial",
		model.AnswerSet{"q1": {Text: "only one"}}, false)
	require.NoError(t, err)

	rig.clock.Advance(time.Hour)
	// The timer flushes the abandoned attempt at the boundary.
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "timer",
		model.AnswerSet{"q1": {Text: "one"}, "q2": {Text: "two"}}, true)
	require.NoError(t, err)
	rig.sweeper.Tick(ctx)

	tickets, err := rig.engine.ListManualCandidates(ctx, "teacher-1")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "complete", tickets[0].ParticipantRef)
}

func TestScheduleMutations(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)
	openAt := a.Schedule.OpenAt

	// Extend the duration.
	minutes := 60
	updated, err := rig.engine.UpdateSchedule(ctx, a.ID, SchedulePatch{DurationMinutes: &minutes})
	require.NoError(t, err)
	assert.Equal(t, openAt.Add(time.Hour), updated.Schedule.CloseAt)
	assert.Equal(t, int64(2), updated.Rev)

	// Shrinking below the elapsed time is rejected.
	rig.clock.Advance(20 * time.Minute)
	minutes = 10
	_, err = rig.engine.UpdateSchedule(ctx, a.ID, SchedulePatch{DurationMinutes: &minutes})
	require.Error(t, err)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Freeze pauses the countdown past the nominal close.
	frozen, err := rig.engine.SetFrozen(ctx, a.ID, true)
	require.NoError(t, err)
	assert.True(t, frozen.Schedule.Frozen)
	rig.clock.Advance(2 * time.Hour)
	_, err = rig.engine.StartAttempt(ctx, a.ID, "late-student")
	require.NoError(t, err)

	// Unfreezing restores the paused time.
	unfrozen, err := rig.engine.SetFrozen(ctx, a.ID, false)
	require.NoError(t, err)
	assert.False(t, unfrozen.Schedule.Frozen)
	assert.Equal(t, 40*time.Minute, schedule.Remaining(unfrozen.Schedule, rig.clock.Now()))

	// End now collapses the rest.
	ended, err := rig.engine.EndNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseClosed, schedule.PhaseAt(ended.Schedule, rig.clock.Now()))

	// Once the sweeper records the closure, the schedule is immutable.
	rig.sweeper.Tick(ctx)
	minutes = 90
	_, err = rig.engine.UpdateSchedule(ctx, a.ID, SchedulePatch{DurationMinutes: &minutes})
	assert.ErrorIs(t, err, ErrWindowClosed)
	_, err = rig.engine.SetFrozen(ctx, a.ID, true)
	assert.ErrorIs(t, err, ErrWindowClosed)
}

func TestReopenForUnattempted(t *testing.T) {
	roster := staticRoster{"course-1": {"attempted", "untouched"}}
	rig := newTestRig(t, WithRoster(roster))
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "attempted")
	require.NoError(t, err)
	rig.clock.Advance(5 * time.Minute)
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "attempted", model.AnswerSet{"q1": {ChoiceID: "a"}}, false)
	require.NoError(t, err)

	// Reopening an open assessment is rejected.
	_, err = rig.engine.ReopenForUnattempted(ctx, a.ID, model.ScheduleWindow{
		OpenAt: rig.clock.Now(), DurationMinutes: 30,
	})
	assert.ErrorIs(t, err, ErrNotClosed)

	rig.clock.Advance(time.Hour)
	rig.sweeper.Tick(ctx)

	reopened, err := rig.engine.ReopenForUnattempted(ctx, a.ID, model.ScheduleWindow{
		OpenAt: rig.clock.Now(), DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.Nil(t, reopened.ClosedAt)
	require.NotNil(t, reopened.Schedule.ReopenedAt)

	// Only the untouched participant is notified.
	events := rig.rec.ByKind(model.EventAssessmentReopened)
	require.Len(t, events, 1)
	assert.Equal(t, "untouched", events[0].ParticipantRef)

	// The attempted participant stays out; the untouched one enters.
	_, err = rig.engine.StartAttempt(ctx, a.ID, "attempted")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	_, err = rig.engine.StartAttempt(ctx, a.ID, "untouched")
	require.NoError(t, err)

	// The sweeper closes the reopened window again.
	rig.clock.Advance(time.Hour)
	rig.sweeper.Tick(ctx)
	require.Len(t, rig.rec.ByKind(model.EventAssessmentClosed), 2)
}

func TestReopenBlocksStaleAttempt(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	// Started but never submitted.
	_, err := rig.engine.StartAttempt(ctx, a.ID, "abandoner")
	require.NoError(t, err)
	rig.clock.Advance(time.Hour)
	rig.sweeper.Tick(ctx)

	_, err = rig.engine.ReopenForUnattempted(ctx, a.ID, model.ScheduleWindow{
		OpenAt: rig.clock.Now(), DurationMinutes: 30,
	})
	require.NoError(t, err)

	_, err = rig.engine.StartAttempt(ctx, a.ID, "abandoner")
	assert.ErrorIs(t, err, ErrNotEligible)
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "abandoner", model.AnswerSet{}, false)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestDeleteAssessment(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	require.NoError(t, rig.engine.DeleteAssessment(ctx, a.ID))

	_, err := rig.engine.GetAssessment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	err = rig.engine.DeleteAssessment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := rig.engine.ListByOwner(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResultsView(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	a := rig.create(t, model.GradingAuto, autoQuestions(), 30)

	_, err := rig.engine.StartAttempt(ctx, a.ID, "student-1")
	require.NoError(t, err)
	_, err = rig.engine.SubmitAttempt(ctx, a.ID, "student-1", model.AnswerSet{"q1": {ChoiceID: "b"}}, false)
	require.NoError(t, err)

	results, err := rig.engine.ResultsView(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Score)

	result, reviews, err := rig.engine.ResultDetail(ctx, a.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultGraded, result.Status)
	require.Len(t, reviews, 1)
	assert.True(t, reviews[0].Answered)
	assert.False(t, reviews[0].Correct)

	_, _, err = rig.engine.ResultDetail(ctx, a.ID, "never-entered")
	assert.ErrorIs(t, err, ErrNoAttempt)
}
