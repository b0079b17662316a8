package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/procyon-edu/assessd/internal/model"
)

const assessmentCols = `id, title, course_ref, owner_ref, grading_mode, questions,
	open_at, close_at, duration_minutes, frozen, frozen_since, reopened_at,
	active, closed_at, rev, created_at`

// CreateAssessment persists a validated assessment.
func (s *Store) CreateAssessment(ctx context.Context, a model.Assessment) error {
	questions, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessments (id, title, course_ref, owner_ref, grading_mode, questions,
		 open_at, close_at, duration_minutes, frozen, frozen_since, reopened_at, active, rev, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)`,
		a.ID, a.Title, a.CourseRef, a.OwnerRef, a.GradingMode, string(questions),
		a.Schedule.OpenAt, a.Schedule.CloseAt, a.Schedule.DurationMinutes,
		a.Schedule.Frozen, a.Schedule.FrozenSince, a.Schedule.ReopenedAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

// GetAssessment returns an assessment by id, or nil when it does not exist.
func (s *Store) GetAssessment(ctx context.Context, id string) (*model.Assessment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE id = ?`, id)
	a, err := scanAssessment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListByOwner returns the active assessments owned by an instructor.
func (s *Store) ListByOwner(ctx context.Context, ownerRef string) ([]model.Assessment, error) {
	return s.list(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE owner_ref = ? AND active = 1 ORDER BY created_at DESC`,
		ownerRef)
}

// ListByCourse returns the active assessments attached to a course.
func (s *Store) ListByCourse(ctx context.Context, courseRef string) ([]model.Assessment, error) {
	return s.list(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE course_ref = ? AND active = 1 ORDER BY created_at DESC`,
		courseRef)
}

// ListByCourses returns the union of active assessments across the given
// courses, for a participant's enrollment view.
func (s *Store) ListByCourses(ctx context.Context, courseRefs []string) ([]model.Assessment, error) {
	if len(courseRefs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(courseRefs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(courseRefs))
	for i, ref := range courseRefs {
		args[i] = ref
	}
	return s.list(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE course_ref IN (`+placeholders+`) AND active = 1 ORDER BY created_at DESC`,
		args...)
}

// ListCloseable returns active assessments whose closure is not recorded yet.
func (s *Store) ListCloseable(ctx context.Context) ([]model.Assessment, error) {
	return s.list(ctx,
		`SELECT `+assessmentCols+` FROM assessments WHERE active = 1 AND closed_at IS NULL`)
}

// UpdateScheduleWindow rewrites the schedule fields as one update and bumps
// the revision. It refuses to touch a missing or deleted assessment.
func (s *Store) UpdateScheduleWindow(ctx context.Context, id string, w model.ScheduleWindow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments
		 SET open_at = ?, close_at = ?, duration_minutes = ?, frozen = ?, frozen_since = ?, reopened_at = ?, rev = rev + 1
		 WHERE id = ? AND active = 1`,
		w.OpenAt, w.CloseAt, w.DurationMinutes, w.Frozen, w.FrozenSince, w.ReopenedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res, id)
}

// ReopenSchedule installs a fresh window on a closed assessment and clears
// the closure marker so the sweeper evaluates the new window.
func (s *Store) ReopenSchedule(ctx context.Context, id string, w model.ScheduleWindow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments
		 SET open_at = ?, close_at = ?, duration_minutes = ?, frozen = 0, frozen_since = NULL,
		     reopened_at = ?, closed_at = NULL, rev = rev + 1
		 WHERE id = ? AND active = 1`,
		w.OpenAt, w.CloseAt, w.DurationMinutes, w.ReopenedAt, id,
	)
	if err != nil {
		return fmt.Errorf("reopen schedule: %w", err)
	}
	return requireRow(res, id)
}

// MarkClosed records the transition into the closed phase at most once.
// The closed_at precondition is the idempotency guard: it reports false when
// the closure was already recorded, so retries and concurrent sweeps cannot
// double the side effects.
func (s *Store) MarkClosed(ctx context.Context, id string, durationMinutes int, closedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments
		 SET closed_at = ?, duration_minutes = ?, rev = rev + 1
		 WHERE id = ? AND closed_at IS NULL AND active = 1`,
		closedAt, durationMinutes, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark closed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SoftDelete deactivates an assessment. Historical attempts and results
// are kept.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments SET active = 0, rev = rev + 1 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return fmt.Errorf("delete assessment: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("assessment %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// list runs an assessment query and scans the rows. A row that fails to
// scan or decode is logged and omitted instead of failing the whole list.
func (s *Store) list(ctx context.Context, query string, args ...any) ([]model.Assessment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			slog.Warn("skipping unreadable assessment row", "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (model.Assessment, error) {
	var (
		a         model.Assessment
		questions string
	)
	err := row.Scan(
		&a.ID, &a.Title, &a.CourseRef, &a.OwnerRef, &a.GradingMode, &questions,
		&a.Schedule.OpenAt, &a.Schedule.CloseAt, &a.Schedule.DurationMinutes,
		&a.Schedule.Frozen, &a.Schedule.FrozenSince, &a.Schedule.ReopenedAt,
		&a.Active, &a.ClosedAt, &a.Rev, &a.CreatedAt,
	)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(questions), &a.Questions); err != nil {
		return a, fmt.Errorf("decode questions for %s: %w", a.ID, err)
	}
	return a, nil
}
