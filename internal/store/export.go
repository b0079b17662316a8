package store

import (
	"context"
	"fmt"

	"github.com/procyon-edu/assessd/internal/model"
)

// ExportAll builds export-ready per-assessment results. Soft-deleted
// assessments are included: deletion hides a definition, not its history.
func (s *Store) ExportAll(ctx context.Context) ([]model.AssessmentExport, error) {
	assessments, err := s.list(ctx, `SELECT `+assessmentCols+` FROM assessments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	var out []model.AssessmentExport
	for _, a := range assessments {
		results, err := s.ListResults(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list results for %s: %w", a.ID, err)
		}
		attempts, err := s.ListAttempts(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list attempts for %s: %w", a.ID, err)
		}
		autoSubmitted := make(map[string]bool, len(attempts))
		for _, at := range attempts {
			autoSubmitted[at.ParticipantRef] = at.AutoSubmitted
		}

		exp := model.AssessmentExport{
			AssessmentID: a.ID,
			Title:        a.Title,
			CourseRef:    a.CourseRef,
			OwnerRef:     a.OwnerRef,
			GradingMode:  a.GradingMode,
			OpenAt:       a.Schedule.OpenAt,
			CloseAt:      a.Schedule.CloseAt,
			NumQuestions: len(a.Questions),
		}
		for _, r := range results {
			exp.Results = append(exp.Results, model.ParticipantResult{
				ParticipantRef: r.ParticipantRef,
				Score:          r.Score,
				Total:          r.Total,
				Status:         r.Status,
				GraderRef:      r.GraderRef,
				GradedAt:       r.GradedAt,
				Feedback:       r.Feedback,
				AutoSubmitted:  autoSubmitted[r.ParticipantRef],
			})
		}
		out = append(out, exp)
	}
	return out, nil
}
