package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/procyon-edu/assessd/internal/engine"
	"github.com/procyon-edu/assessd/internal/feed"
	"github.com/procyon-edu/assessd/internal/model"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	engine *engine.Engine
	hub    *feed.Hub
}

// New creates a new Handler.
func New(e *engine.Engine, hub *feed.Hub) *Handler {
	return &Handler{engine: e, hub: hub}
}

// Routes registers the authenticated API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/assessments", h.handleCreate)
	r.Get("/assessments/{id}", h.handleGet)
	r.Delete("/assessments/{id}", h.handleDelete)
	r.Patch("/assessments/{id}/schedule", h.handleUpdateSchedule)
	r.Post("/assessments/{id}/freeze", h.handleSetFrozen)
	r.Post("/assessments/{id}/end", h.handleEndNow)
	r.Post("/assessments/{id}/reopen", h.handleReopen)

	r.Post("/assessments/{id}/attempts", h.handleStartAttempt)
	r.Post("/assessments/{id}/attempts/submit", h.handleSubmitAttempt)

	r.Get("/assessments/{id}/results", h.handleResults)
	r.Get("/assessments/{id}/results/{participantRef}", h.handleResultDetail)
	r.Post("/assessments/{id}/results/{participantRef}/publish", h.handlePublish)

	r.Get("/owners/{ownerRef}/assessments", h.handleListByOwner)
	r.Get("/owners/{ownerRef}/review-queue", h.handleReviewQueue)
	r.Get("/owners/{ownerRef}/feed", h.handleFeed)
	r.Get("/courses/{courseRef}/assessments", h.handleListByCourse)
	r.Get("/participant/assessments", h.handleListForParticipant)
}

// Healthz answers liveness probes. Registered outside the auth middleware.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	Title       string               `json:"title"`
	CourseRef   string               `json:"course_ref"`
	Questions   []model.Question     `json:"questions"`
	GradingMode model.GradingMode    `json:"grading_mode"`
	Schedule    model.ScheduleWindow `json:"schedule"`
}

func requireActor(w http.ResponseWriter, r *http.Request) *model.Actor {
	actor := model.ActorFromContext(r.Context())
	if actor == nil {
		http.Error(w, "forbidden", http.StatusForbidden)
	}
	return actor
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == nil {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.CreateAssessment(r.Context(), engine.CreateInput{
		Title:       req.Title,
		CourseRef:   req.CourseRef,
		OwnerRef:    actor.Ref,
		Questions:   req.Questions,
		GradingMode: req.GradingMode,
		Schedule:    req.Schedule,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAssessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !h.ownerGate(w, r, chi.URLParam(r, "id")) {
		return
	}
	if err := h.engine.DeleteAssessment(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleRequest struct {
	OpenAt          *time.Time `json:"open_at,omitempty"`
	CloseAt         *time.Time `json:"close_at,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
}

func (h *Handler) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.UpdateSchedule(r.Context(), id, engine.SchedulePatch{
		OpenAt:          req.OpenAt,
		CloseAt:         req.CloseAt,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleSetFrozen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	var req struct {
		Frozen bool `json:"frozen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.SetFrozen(r.Context(), id, req.Frozen)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleEndNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	a, err := h.engine.EndNow(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	var req model.ScheduleWindow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.ReopenForUnattempted(r.Context(), id, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == nil {
		return
	}
	attempt, err := h.engine.StartAttempt(r.Context(), chi.URLParam(r, "id"), actor.Ref)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}

type submitRequest struct {
	Answers       model.AnswerSet `json:"answers"`
	AutoSubmitted bool            `json:"auto_submitted"`
}

func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == nil {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := h.engine.SubmitAttempt(r.Context(), chi.URLParam(r, "id"), actor.Ref, req.Answers, req.AutoSubmitted)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	results, err := h.engine.ResultsView(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handler) handleResultDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	participantRef := chi.URLParam(r, "participantRef")
	actor := model.ActorFromContext(r.Context())
	// Participants may read their own published result; owners read any.
	if actor == nil || (actor.Ref != participantRef && !h.ownerGate(w, r, id)) {
		if actor == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return
	}
	result, reviews, err := h.engine.ResultDetail(r.Context(), id, participantRef)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"result":    result,
		"questions": reviews,
	})
}

type publishRequest struct {
	Marks    map[string]model.Mark `json:"marks"`
	Awards   map[string]int        `json:"awards"`
	Feedback string                `json:"feedback"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ownerGate(w, r, id) {
		return
	}
	actor := requireActor(w, r)
	if actor == nil {
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := h.engine.PublishGrade(r.Context(), engine.PublishInput{
		AssessmentID:   id,
		ParticipantRef: chi.URLParam(r, "participantRef"),
		GraderRef:      actor.Ref,
		Marks:          req.Marks,
		Awards:         req.Awards,
		Feedback:       req.Feedback,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListByOwner(r.Context(), chi.URLParam(r, "ownerRef"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleListByCourse(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListByCourse(r.Context(), chi.URLParam(r, "courseRef"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleListForParticipant(w http.ResponseWriter, r *http.Request) {
	courses := splitParam(r.URL.Query().Get("courses"))
	list, err := h.engine.ListForParticipant(r.Context(), courses)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	ownerRef := chi.URLParam(r, "ownerRef")
	actor := model.ActorFromContext(r.Context())
	if actor == nil || actor.Ref != ownerRef {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	tickets, err := h.engine.ListManualCandidates(r.Context(), ownerRef)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tickets)
}

// ownerGate loads the assessment and rejects callers who do not own it.
// It writes the error response itself and reports whether to continue.
func (h *Handler) ownerGate(w http.ResponseWriter, r *http.Request, id string) bool {
	actor := model.ActorFromContext(r.Context())
	if actor == nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	a, err := h.engine.GetAssessment(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return false
	}
	if a.OwnerRef != actor.Ref {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadySubmitted),
		errors.Is(err, engine.ErrAlreadyPublished):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrWindowNotOpen),
		errors.Is(err, engine.ErrWindowClosed),
		errors.Is(err, engine.ErrNotClosed),
		errors.Is(err, engine.ErrNotEligible):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNoAttempt):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnmarkedQuestion),
		errors.Is(err, engine.ErrAwardOutOfRange),
		errors.Is(err, engine.ErrNotManual):
		status = http.StatusBadRequest
	}
	var ve *model.ValidationError
	if status == http.StatusInternalServerError && errors.As(err, &ve) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
