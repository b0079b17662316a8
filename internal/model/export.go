package model

import "time"

// ResultsExport is the top-level JSON structure for the results export.
type ResultsExport struct {
	ExportedAt  time.Time          `json:"exported_at"`
	Assessments []AssessmentExport `json:"assessments"`
}

// AssessmentExport holds one assessment's definition summary and every
// result recorded against it.
type AssessmentExport struct {
	AssessmentID string              `json:"assessment_id"`
	Title        string              `json:"title"`
	CourseRef    string              `json:"course_ref"`
	OwnerRef     string              `json:"owner_ref"`
	GradingMode  GradingMode         `json:"grading_mode"`
	OpenAt       time.Time           `json:"open_at"`
	CloseAt      time.Time           `json:"close_at"`
	NumQuestions int                 `json:"num_questions"`
	Results      []ParticipantResult `json:"results"`
}

// ParticipantResult holds one participant's outcome for export.
type ParticipantResult struct {
	ParticipantRef string       `json:"participant_ref"`
	Score          int          `json:"score"`
	Total          int          `json:"total"`
	Status         ResultStatus `json:"status"`
	GraderRef      string       `json:"grader_ref,omitempty"`
	GradedAt       *time.Time   `json:"graded_at,omitempty"`
	Feedback       string       `json:"feedback,omitempty"`
	AutoSubmitted  bool         `json:"auto_submitted"`
}
