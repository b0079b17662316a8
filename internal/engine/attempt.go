package engine

import (
	"context"

	"github.com/procyon-edu/assessd/internal/grading"
	"github.com/procyon-edu/assessd/internal/model"
	"github.com/procyon-edu/assessd/internal/schedule"
)

// StartAttempt lets a participant enter an open assessment. It is
// idempotent: re-entering returns the existing attempt. Participants whose
// attempt predates a reopen are not eligible for the new window, and a
// submitted attempt can never be re-entered.
func (e *Engine) StartAttempt(ctx context.Context, id, participantRef string) (model.AttemptRecord, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.AttemptRecord{}, err
	}
	now := e.clock.Now()
	switch schedule.PhaseAt(a.Schedule, now) {
	case model.PhaseUpcoming:
		return model.AttemptRecord{}, ErrWindowNotOpen
	case model.PhaseClosed:
		return model.AttemptRecord{}, ErrWindowClosed
	}
	if a.ClosedAt != nil {
		return model.AttemptRecord{}, ErrWindowClosed
	}

	existing, err := e.store.GetAttempt(ctx, id, participantRef)
	if err != nil {
		return model.AttemptRecord{}, err
	}
	if existing != nil {
		if existing.SubmittedAt != nil {
			return model.AttemptRecord{}, ErrAlreadySubmitted
		}
		if staleAttempt(*existing, a.Schedule) {
			return model.AttemptRecord{}, ErrNotEligible
		}
		return *existing, nil
	}
	return e.store.StartAttempt(ctx, id, participantRef, now)
}

// SubmitAttempt records the participant's answers exactly once and creates
// the result record. Auto assessments are graded atomically here; manual
// ones get a pending result that only PublishGrade can finish.
func (e *Engine) SubmitAttempt(ctx context.Context, id, participantRef string, answers model.AnswerSet, autoSubmitted bool) (model.ResultRecord, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.ResultRecord{}, err
	}
	attempt, err := e.store.GetAttempt(ctx, id, participantRef)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if attempt == nil {
		return model.ResultRecord{}, ErrNoAttempt
	}
	if attempt.SubmittedAt != nil {
		return model.ResultRecord{}, ErrAlreadySubmitted
	}
	if staleAttempt(*attempt, a.Schedule) {
		return model.ResultRecord{}, ErrNotEligible
	}
	now := e.clock.Now()
	// A timer-driven auto-submit lands at or just after the boundary;
	// everything else must arrive while the window is open.
	if !autoSubmitted && schedule.PhaseAt(a.Schedule, now) != model.PhaseOpen {
		return model.ResultRecord{}, ErrWindowNotOpen
	}

	if answers == nil {
		answers = model.AnswerSet{}
	}
	ok, err := e.store.SubmitAttempt(ctx, id, participantRef, answers, autoSubmitted, now)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if !ok {
		return model.ResultRecord{}, ErrAlreadySubmitted
	}

	result := model.ResultRecord{
		AssessmentID:   id,
		ParticipantRef: participantRef,
		Total:          a.TotalPoints(),
		Status:         model.ResultPending,
		Answers:        answers,
	}
	if a.GradingMode == model.GradingAuto {
		score := grading.Grade(a.Questions, answers)
		result.Score = score.Earned
		result.Total = score.Total
		result.Status = model.ResultGraded
		result.GradedAt = &now
	}
	resultID, err := e.store.CreateResult(ctx, result)
	if err != nil {
		return model.ResultRecord{}, err
	}
	result.ID = resultID
	return result, nil
}

// GetAttempt returns one participant's attempt.
func (e *Engine) GetAttempt(ctx context.Context, id, participantRef string) (model.AttemptRecord, error) {
	attempt, err := e.store.GetAttempt(ctx, id, participantRef)
	if err != nil {
		return model.AttemptRecord{}, err
	}
	if attempt == nil {
		return model.AttemptRecord{}, ErrNoAttempt
	}
	return *attempt, nil
}

// staleAttempt reports whether the attempt belongs to a window instance
// that was replaced by a reopen. Such participants already had their shot.
func staleAttempt(attempt model.AttemptRecord, w model.ScheduleWindow) bool {
	return w.ReopenedAt != nil && attempt.StartAt.Before(*w.ReopenedAt)
}
