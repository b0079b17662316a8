package engine

import (
	"context"
	"fmt"

	"github.com/procyon-edu/assessd/internal/grading"
	"github.com/procyon-edu/assessd/internal/model"
	"github.com/procyon-edu/assessd/internal/schedule"
)

// ListManualCandidates builds the grader's review queue for an owner's
// closed manual assessments: submitted by the participant themselves,
// result still pending, and every question answered. A partially answered,
// abandoned attempt stays out of the queue instead of being graded as zero.
func (e *Engine) ListManualCandidates(ctx context.Context, ownerRef string) ([]model.Ticket, error) {
	tickets, err := e.store.ListPendingSubmitted(ctx, ownerRef)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	assessments := make(map[string]*model.Assessment)
	var out []model.Ticket
	for _, t := range tickets {
		a, ok := assessments[t.Attempt.AssessmentID]
		if !ok {
			a, err = e.store.GetAssessment(ctx, t.Attempt.AssessmentID)
			if err != nil {
				return nil, err
			}
			assessments[t.Attempt.AssessmentID] = a
		}
		if a == nil {
			continue
		}
		if a.ClosedAt == nil && schedule.PhaseAt(a.Schedule, now) != model.PhaseClosed {
			continue
		}
		if !coversAllQuestions(a.Questions, t.Attempt.Answers) {
			continue
		}
		t.Assessment = *a
		out = append(out, t)
	}
	return out, nil
}

// PublishInput carries one grader's review of one attempt.
type PublishInput struct {
	AssessmentID   string
	ParticipantRef string
	GraderRef      string
	// Marks are the tri-state correctness marks for non-essay questions.
	Marks map[string]model.Mark
	// Awards are explicit point awards. Required for essays; for other
	// questions they override the points the mark would imply.
	Awards   map[string]int
	Feedback string
}

// PublishGrade commits a manual review exactly once: score, total, status,
// grader, timestamp, and feedback land as a single update guarded by the
// pending-status precondition, and exactly one notification goes out to the
// participant. A second publish of the same attempt fails with
// ErrAlreadyPublished and changes nothing.
func (e *Engine) PublishGrade(ctx context.Context, in PublishInput) (model.ResultRecord, error) {
	a, err := e.GetAssessment(ctx, in.AssessmentID)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if a.GradingMode != model.GradingManual {
		return model.ResultRecord{}, ErrNotManual
	}

	score := 0
	total := 0
	for _, q := range a.Questions {
		total += q.Points
		award, err := resolveAward(q, in.Marks[q.ID], in.Awards)
		if err != nil {
			return model.ResultRecord{}, err
		}
		score += award
	}

	now := e.clock.Now()
	ok, err := e.store.PublishResult(ctx, in.AssessmentID, in.ParticipantRef, score, total, in.GraderRef, now, in.Feedback)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if !ok {
		return model.ResultRecord{}, ErrAlreadyPublished
	}

	e.notifier.Notify(ctx, model.Event{
		Kind:           model.EventGradePublished,
		AssessmentID:   a.ID,
		Title:          a.Title,
		ParticipantRef: in.ParticipantRef,
		Score:          score,
		Total:          total,
		At:             now,
	})

	result, err := e.store.GetResult(ctx, in.AssessmentID, in.ParticipantRef)
	if err != nil {
		return model.ResultRecord{}, err
	}
	if result == nil {
		return model.ResultRecord{}, fmt.Errorf("result vanished after publish for %s/%s", in.AssessmentID, in.ParticipantRef)
	}
	return *result, nil
}

// resolveAward turns a grader's mark and optional explicit award into the
// points for one question. Marking correct implies full points and
// incorrect implies zero, both overridable by an explicit award; essays
// always need an explicit award.
func resolveAward(q model.Question, mark model.Mark, awards map[string]int) (int, error) {
	if award, ok := awards[q.ID]; ok {
		if award < 0 || award > q.Points {
			return 0, fmt.Errorf("question %q: award %d: %w", q.ID, award, ErrAwardOutOfRange)
		}
		return award, nil
	}
	if q.Type == model.FreeResponse {
		return 0, fmt.Errorf("question %q: essay needs an award: %w", q.ID, ErrUnmarkedQuestion)
	}
	switch mark {
	case model.MarkCorrect:
		return q.Points, nil
	case model.MarkIncorrect:
		return 0, nil
	default:
		return 0, fmt.Errorf("question %q: %w", q.ID, ErrUnmarkedQuestion)
	}
}

// QuestionReview pairs a question with the stored response and, for keyed
// questions, whether it matches the canonical answer.
type QuestionReview struct {
	Question model.Question `json:"question"`
	Response model.Response `json:"response"`
	Answered bool           `json:"answered"`
	Correct  bool           `json:"correct"`
}

// ResultsView lists all results for an assessment, read-only. Used for the
// owner's view of closed auto assessments; no mutation happens here.
func (e *Engine) ResultsView(ctx context.Context, id string) ([]model.ResultRecord, error) {
	if _, err := e.GetAssessment(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListResults(ctx, id)
}

// ResultDetail returns one participant's result together with the stored
// answers laid against the canonical key, question by question.
func (e *Engine) ResultDetail(ctx context.Context, id, participantRef string) (model.ResultRecord, []QuestionReview, error) {
	a, err := e.GetAssessment(ctx, id)
	if err != nil {
		return model.ResultRecord{}, nil, err
	}
	result, err := e.store.GetResult(ctx, id, participantRef)
	if err != nil {
		return model.ResultRecord{}, nil, err
	}
	if result == nil {
		return model.ResultRecord{}, nil, ErrNoAttempt
	}
	reviews := make([]QuestionReview, 0, len(a.Questions))
	for _, q := range a.Questions {
		resp, answered := result.Answers[q.ID]
		reviews = append(reviews, QuestionReview{
			Question: q,
			Response: resp,
			Answered: answered,
			Correct:  answered && grading.Correct(q, resp),
		})
	}
	return *result, reviews, nil
}

func coversAllQuestions(questions []model.Question, answers model.AnswerSet) bool {
	for _, q := range questions {
		if _, ok := answers[q.ID]; !ok {
			return false
		}
	}
	return true
}
