package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/procyon-edu/assessd/internal/model"
)

const attemptCols = `id, assessment_id, participant_ref, start_at, submitted_at, answers, auto_submitted`

// StartAttempt creates the participant's attempt if none exists and returns
// it either way, so entry is idempotent.
func (s *Store) StartAttempt(ctx context.Context, assessmentID, participantRef string, at time.Time) (model.AttemptRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempts (assessment_id, participant_ref, start_at) VALUES (?, ?, ?)`,
		assessmentID, participantRef, at,
	)
	if err != nil {
		return model.AttemptRecord{}, fmt.Errorf("insert attempt: %w", err)
	}
	attempt, err := s.GetAttempt(ctx, assessmentID, participantRef)
	if err != nil {
		return model.AttemptRecord{}, err
	}
	if attempt == nil {
		return model.AttemptRecord{}, fmt.Errorf("attempt %s/%s: %w", assessmentID, participantRef, sql.ErrNoRows)
	}
	return *attempt, nil
}

// GetAttempt returns one participant's attempt, or nil when they never
// entered the assessment.
func (s *Store) GetAttempt(ctx context.Context, assessmentID, participantRef string) (*model.AttemptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE assessment_id = ? AND participant_ref = ?`,
		assessmentID, participantRef)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SubmitAttempt records the submission exactly once. It reports false when
// the attempt was already submitted; the stored answers are never rewritten.
func (s *Store) SubmitAttempt(ctx context.Context, assessmentID, participantRef string, answers model.AnswerSet, autoSubmitted bool, at time.Time) (bool, error) {
	encoded, err := json.Marshal(answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET submitted_at = ?, answers = ?, auto_submitted = ?
		 WHERE assessment_id = ? AND participant_ref = ? AND submitted_at IS NULL`,
		at, string(encoded), autoSubmitted, assessmentID, participantRef,
	)
	if err != nil {
		return false, fmt.Errorf("submit attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListAttempts returns every attempt on an assessment.
func (s *Store) ListAttempts(ctx context.Context, assessmentID string) ([]model.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE assessment_id = ? ORDER BY id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttemptRecord
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAttemptedParticipants returns the refs of everyone who has an attempt
// on the assessment, started or submitted.
func (s *Store) ListAttemptedParticipants(ctx context.Context, assessmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_ref FROM attempts WHERE assessment_id = ?`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (model.AttemptRecord, error) {
	var (
		a       model.AttemptRecord
		answers string
	)
	err := row.Scan(&a.ID, &a.AssessmentID, &a.ParticipantRef, &a.StartAt, &a.SubmittedAt, &answers, &a.AutoSubmitted)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
		return a, fmt.Errorf("decode answers for attempt %d: %w", a.ID, err)
	}
	return a, nil
}
