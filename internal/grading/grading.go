// Package grading scores answer sets against an assessment's answer key.
// Everything here is deterministic and side-effect-free: the engine calls
// Grade once at submission time for auto assessments and reuses Correct
// per question inside the manual review flow.
package grading

import (
	"strings"

	"github.com/procyon-edu/assessd/internal/model"
)

// Score is the outcome of grading one answer set.
type Score struct {
	Earned int `json:"earned"`
	Total  int `json:"total"`
}

// Grade scores answers against the questions' answer keys. Total counts
// every question, free-response included; free-response questions earn
// nothing here because only a human can score them.
func Grade(questions []model.Question, answers model.AnswerSet) Score {
	var s Score
	for _, q := range questions {
		s.Total += q.Points
		if q.Type == model.FreeResponse {
			continue
		}
		if resp, ok := answers[q.ID]; ok && Correct(q, resp) {
			s.Earned += q.Points
		}
	}
	return s
}

// Correct reports whether a single response matches the question's key.
// Free-response questions are never auto-correct.
func Correct(q model.Question, resp model.Response) bool {
	switch q.Type {
	case model.SingleChoice:
		key := q.CorrectChoiceID()
		return key != "" && resp.ChoiceID == key
	case model.FillBlank:
		return normalize(resp.Text) == normalize(q.Expected)
	case model.OrderedList:
		if len(resp.Order) != len(q.CanonicalOrder) {
			return false
		}
		for i, id := range q.CanonicalOrder {
			if resp.Order[i] != id {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// normalize applies the fill-blank matching rule: trimmed, case-insensitive,
// exact. No partial credit, no fuzzy matching.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
