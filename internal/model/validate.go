package model

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError marks failures that must be raised before any persistence.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Invalidf builds a ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// createInput mirrors the Assessment fields checked by struct tags at
// creation time. Answer-key rules that tags cannot express live in
// ValidateNew below.
type createInput struct {
	Title       string      `validate:"required"`
	CourseRef   string      `validate:"required"`
	OwnerRef    string      `validate:"required"`
	GradingMode GradingMode `validate:"required,oneof=auto manual"`
	Questions   []Question  `validate:"required,min=1,dive"`
}

// ValidateWindow checks the schedule invariants shared by creation and
// every later schedule mutation.
func ValidateWindow(w ScheduleWindow) error {
	if w.OpenAt.IsZero() {
		return Invalidf("schedule: openAt is required")
	}
	if w.CloseAt.IsZero() {
		return Invalidf("schedule: closeAt is required")
	}
	if !w.CloseAt.After(w.OpenAt) {
		return Invalidf("schedule: closeAt must be after openAt")
	}
	if w.DurationMinutes < 0 {
		return Invalidf("schedule: durationMinutes must not be negative")
	}
	return nil
}

// ValidateNew checks an assessment before it is first persisted. Answer-key
// checks apply only in auto mode; a manual assessment may carry unkeyed
// questions since a human scores them.
func ValidateNew(a Assessment) error {
	in := createInput{
		Title:       a.Title,
		CourseRef:   a.CourseRef,
		OwnerRef:    a.OwnerRef,
		GradingMode: a.GradingMode,
		Questions:   a.Questions,
	}
	if err := validate.Struct(in); err != nil {
		return Invalidf("assessment: %v", err)
	}
	if err := ValidateWindow(a.Schedule); err != nil {
		return err
	}
	seen := make(map[string]bool, len(a.Questions))
	for i, q := range a.Questions {
		if q.ID == "" {
			return Invalidf("question %d: missing id", i)
		}
		if seen[q.ID] {
			return Invalidf("question %q: duplicate id", q.ID)
		}
		seen[q.ID] = true
		if err := validateShape(q); err != nil {
			return err
		}
		if a.GradingMode == GradingAuto {
			if err := validateKey(q); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateShape rejects questions whose payload does not match their type.
func validateShape(q Question) error {
	switch q.Type {
	case SingleChoice:
		if len(q.Choices) < 2 {
			return Invalidf("question %q: single_choice needs at least two choices", q.ID)
		}
	case OrderedList:
		if len(q.Items) < 2 {
			return Invalidf("question %q: ordered_list needs at least two items", q.ID)
		}
	case FillBlank, FreeResponse:
		// Nothing structural beyond the tags.
	}
	return nil
}

// validateKey enforces the auto-grading answer-key rules: exactly one
// correct choice, a non-empty expected answer, and a canonical order that
// permutes the item ids. Free-response questions have no key and are
// rejected outright in auto mode.
func validateKey(q Question) error {
	switch q.Type {
	case SingleChoice:
		correct := 0
		for _, c := range q.Choices {
			if c.Correct {
				correct++
			}
		}
		if correct != 1 {
			return Invalidf("question %q: single_choice must mark exactly one correct choice, found %d", q.ID, correct)
		}
	case FillBlank:
		if strings.TrimSpace(q.Expected) == "" {
			return Invalidf("question %q: fill_blank needs a non-empty expected answer", q.ID)
		}
	case OrderedList:
		if len(q.CanonicalOrder) != len(q.Items) {
			return Invalidf("question %q: canonical order must cover all %d items", q.ID, len(q.Items))
		}
		ids := make(map[string]bool, len(q.Items))
		for _, it := range q.Items {
			ids[it.ID] = true
		}
		used := make(map[string]bool, len(q.CanonicalOrder))
		for _, id := range q.CanonicalOrder {
			if !ids[id] {
				return Invalidf("question %q: canonical order references unknown item %q", q.ID, id)
			}
			if used[id] {
				return Invalidf("question %q: canonical order repeats item %q", q.ID, id)
			}
			used[id] = true
		}
	case FreeResponse:
		return Invalidf("question %q: free_response cannot be auto-graded", q.ID)
	}
	return nil
}
