package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/procyon-edu/assessd/internal/model"
)

const resultCols = `id, assessment_id, participant_ref, score, total, status, grader_ref, graded_at, feedback, answers`

// CreateResult inserts the result record created at submission time. Auto
// assessments arrive already graded; manual ones arrive pending.
func (s *Store) CreateResult(ctx context.Context, r model.ResultRecord) (int64, error) {
	encoded, err := json.Marshal(r.Answers)
	if err != nil {
		return 0, fmt.Errorf("encode answers: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (assessment_id, participant_ref, score, total, status, grader_ref, graded_at, feedback, answers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AssessmentID, r.ParticipantRef, r.Score, r.Total, r.Status, r.GraderRef, r.GradedAt, r.Feedback, string(encoded),
	)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	return res.LastInsertId()
}

// GetResult returns one participant's result, or nil when they have not
// submitted.
func (s *Store) GetResult(ctx context.Context, assessmentID, participantRef string) (*model.ResultRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultCols+` FROM results WHERE assessment_id = ? AND participant_ref = ?`,
		assessmentID, participantRef)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResults returns every result on an assessment, for the read-only
// results view.
func (s *Store) ListResults(ctx context.Context, assessmentID string) ([]model.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultCols+` FROM results WHERE assessment_id = ? ORDER BY participant_ref`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			slog.Warn("skipping unreadable result row", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PublishResult writes the published grade as one multi-field update. The
// status precondition makes the publish at-most-once: it reports false when
// another grader got there first, and no field changes in that case.
func (s *Store) PublishResult(ctx context.Context, assessmentID, participantRef string, score, total int, graderRef string, gradedAt time.Time, feedback string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE results
		 SET score = ?, total = ?, status = ?, grader_ref = ?, graded_at = ?, feedback = ?
		 WHERE assessment_id = ? AND participant_ref = ? AND status = ?`,
		score, total, model.ResultGraded, graderRef, gradedAt, feedback,
		assessmentID, participantRef, model.ResultPending,
	)
	if err != nil {
		return false, fmt.Errorf("publish result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingSubmitted returns, for one owner's manual assessments, the
// submitted attempts whose result is still pending and that were not
// auto-submitted by the timer. Answer-coverage filtering happens in the
// engine, which knows the question set.
func (s *Store) ListPendingSubmitted(ctx context.Context, ownerRef string) ([]model.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.assessment_id, a.participant_ref, a.start_at, a.submitted_at, a.answers, a.auto_submitted,
		        r.id, r.score, r.total, r.status, r.grader_ref, r.graded_at, r.feedback
		 FROM attempts a
		 JOIN results r ON r.assessment_id = a.assessment_id AND r.participant_ref = a.participant_ref
		 JOIN assessments x ON x.id = a.assessment_id
		 WHERE x.owner_ref = ? AND x.grading_mode = ? AND x.active = 1
		   AND a.submitted_at IS NOT NULL AND a.auto_submitted = 0 AND r.status = ?
		 ORDER BY a.submitted_at`,
		ownerRef, model.GradingManual, model.ResultPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		var (
			t       model.Ticket
			answers string
		)
		err := rows.Scan(
			&t.Attempt.ID, &t.Attempt.AssessmentID, &t.Attempt.ParticipantRef,
			&t.Attempt.StartAt, &t.Attempt.SubmittedAt, &answers, &t.Attempt.AutoSubmitted,
			&t.Result.ID, &t.Result.Score, &t.Result.Total, &t.Result.Status,
			&t.Result.GraderRef, &t.Result.GradedAt, &t.Result.Feedback,
		)
		if err != nil {
			slog.Warn("skipping unreadable candidate row", "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(answers), &t.Attempt.Answers); err != nil {
			slog.Warn("skipping candidate with undecodable answers", "attempt_id", t.Attempt.ID, "error", err)
			continue
		}
		t.Result.AssessmentID = t.Attempt.AssessmentID
		t.Result.ParticipantRef = t.Attempt.ParticipantRef
		t.ParticipantRef = t.Attempt.ParticipantRef
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanResult(row rowScanner) (model.ResultRecord, error) {
	var (
		r       model.ResultRecord
		answers string
	)
	err := row.Scan(&r.ID, &r.AssessmentID, &r.ParticipantRef, &r.Score, &r.Total, &r.Status,
		&r.GraderRef, &r.GradedAt, &r.Feedback, &answers)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return r, fmt.Errorf("decode answers for result %d: %w", r.ID, err)
	}
	return r, nil
}
