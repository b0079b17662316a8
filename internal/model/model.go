package model

import (
	"context"
	"time"
)

// GradingMode selects how an assessment is scored.
type GradingMode string

const (
	// GradingAuto scores against the answer key at submission time.
	GradingAuto GradingMode = "auto"
	// GradingManual withholds results until a grader publishes them.
	GradingManual GradingMode = "manual"
)

// QuestionType discriminates the Question union.
type QuestionType string

const (
	SingleChoice QuestionType = "single_choice"
	FillBlank    QuestionType = "fill_blank"
	OrderedList  QuestionType = "ordered_list"
	FreeResponse QuestionType = "free_response"
)

// Phase is the lifecycle state of a schedule window.
type Phase string

const (
	PhaseUpcoming Phase = "upcoming"
	PhaseOpen     Phase = "open"
	PhaseClosed   Phase = "closed"
)

// ResultStatus is the grading state of a result record.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultGraded  ResultStatus = "graded"
)

// Mark is the tri-state correctness mark a grader sets during review.
type Mark string

const (
	MarkUnset     Mark = "unset"
	MarkCorrect   Mark = "correct"
	MarkIncorrect Mark = "incorrect"
)

// Choice is one option of a single-choice question.
type Choice struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

// ListItem is one element of an ordered-list question.
type ListItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ImageRef points at an externally stored illustration. It is never scored.
type ImageRef struct {
	StorageKey string `json:"storage_key"`
	AltText    string `json:"alt_text,omitempty"`
}

// Question is a discriminated union over QuestionType. Only the fields
// belonging to the declared type are populated.
type Question struct {
	ID     string       `json:"id"`
	Type   QuestionType `json:"type" validate:"required,oneof=single_choice fill_blank ordered_list free_response"`
	Prompt string       `json:"prompt" validate:"required"`
	Points int          `json:"points" validate:"min=1"`
	Image  *ImageRef    `json:"image,omitempty"`

	// single_choice
	Choices []Choice `json:"choices,omitempty"`
	// fill_blank
	Expected string `json:"expected,omitempty"`
	// ordered_list
	Items          []ListItem `json:"items,omitempty"`
	CanonicalOrder []string   `json:"canonical_order,omitempty"`
}

// CorrectChoiceID returns the id of the first choice flagged correct,
// or "" when none is flagged.
func (q Question) CorrectChoiceID() string {
	for _, c := range q.Choices {
		if c.Correct {
			return c.ID
		}
	}
	return ""
}

// ScheduleWindow bounds when participants may enter an assessment.
// CloseAt must stay strictly after OpenAt for every persisted assessment.
type ScheduleWindow struct {
	OpenAt          time.Time  `json:"open_at"`
	CloseAt         time.Time  `json:"close_at"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Frozen          bool       `json:"frozen,omitempty"`
	FrozenSince     *time.Time `json:"frozen_since,omitempty"`
	ReopenedAt      *time.Time `json:"reopened_at,omitempty"`
}

// Assessment is one exam or assignment. Questions and GradingMode are
// immutable after creation; the schedule stays mutable while the window
// has not permanently closed.
type Assessment struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	CourseRef   string         `json:"course_ref"`
	OwnerRef    string         `json:"owner_ref"`
	Questions   []Question     `json:"questions"`
	GradingMode GradingMode    `json:"grading_mode"`
	Schedule    ScheduleWindow `json:"schedule"`
	Active      bool           `json:"active"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	Rev         int64          `json:"rev"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TotalPoints sums the points of every question, essays included.
func (a Assessment) TotalPoints() int {
	total := 0
	for _, q := range a.Questions {
		total += q.Points
	}
	return total
}

// Response is a participant's answer to one question. The populated field
// depends on the question type: ChoiceID for single_choice, Text for
// fill_blank and free_response, Order for ordered_list.
type Response struct {
	ChoiceID string   `json:"choice_id,omitempty"`
	Text     string   `json:"text,omitempty"`
	Order    []string `json:"order,omitempty"`
}

// AnswerSet maps question ids to responses.
type AnswerSet map[string]Response

// AttemptRecord is one participant's entry into an assessment. Submission
// is append-only: SubmittedAt and Answers are written at most once.
type AttemptRecord struct {
	ID             int64      `json:"id"`
	AssessmentID   string     `json:"assessment_id"`
	ParticipantRef string     `json:"participant_ref"`
	StartAt        time.Time  `json:"start_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	Answers        AnswerSet  `json:"answers,omitempty"`
	AutoSubmitted  bool       `json:"auto_submitted"`
}

// ResultRecord exists iff the matching attempt was submitted. For auto
// assessments it is graded atomically at submission; for manual ones it
// stays pending until published exactly once.
type ResultRecord struct {
	ID             int64        `json:"id"`
	AssessmentID   string       `json:"assessment_id"`
	ParticipantRef string       `json:"participant_ref"`
	Score          int          `json:"score"`
	Total          int          `json:"total"`
	Status         ResultStatus `json:"status"`
	GraderRef      string       `json:"grader_ref,omitempty"`
	GradedAt       *time.Time   `json:"graded_at,omitempty"`
	Feedback       string       `json:"feedback,omitempty"`
	Answers        AnswerSet    `json:"answers,omitempty"`
}

// Ticket is one entry in a grader's manual review queue.
type Ticket struct {
	Assessment     Assessment    `json:"assessment"`
	Attempt        AttemptRecord `json:"attempt"`
	Result         ResultRecord  `json:"result"`
	ParticipantRef string        `json:"participant_ref"`
}

// EventKind names the notifications the engine emits for the
// notification collaborator.
type EventKind string

const (
	EventAssessmentPublished EventKind = "assessment_published"
	EventAssessmentClosed    EventKind = "assessment_closed"
	EventAssessmentReopened  EventKind = "assessment_reopened"
	EventGradePublished      EventKind = "grade_published"
)

// Event is the payload handed to the notification collaborator.
// Message rendering happens on the other side.
type Event struct {
	Kind           EventKind `json:"kind"`
	AssessmentID   string    `json:"assessment_id"`
	Title          string    `json:"title"`
	ParticipantRef string    `json:"participant_ref,omitempty"`
	Score          int       `json:"score,omitempty"`
	Total          int       `json:"total,omitempty"`
	At             time.Time `json:"at"`
}

type actorCtxKey struct{}

// Actor identifies the authenticated caller of an API operation.
type Actor struct {
	Ref  string
	Role string
}

// ContextWithActor stores the authenticated actor in the request context.
func ContextWithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

// ActorFromContext retrieves the authenticated actor from context, or nil.
func ActorFromContext(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorCtxKey{}).(*Actor)
	return a
}
