package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/procyon-edu/assessd/internal/model"
	"github.com/procyon-edu/assessd/internal/notify"
)

// SweepStore is the slice of the store the sweeper needs.
type SweepStore interface {
	// ListCloseable returns active assessments whose closure has not been
	// recorded yet.
	ListCloseable(ctx context.Context) ([]model.Assessment, error)
	// MarkClosed records the closure once. It reports false when another
	// sweep (or process) already closed the assessment.
	MarkClosed(ctx context.Context, id string, durationMinutes int, closedAt time.Time) (bool, error)
}

// Sweeper drives the automatic transition into the closed phase. A periodic
// tick re-evaluates every open assessment; the first transition triggers
// exactly one closure write and one notification. The in-memory swept set
// stops repeat work within the process, and the store-side closed_at
// precondition keeps the transition at-most-once across restarts.
type Sweeper struct {
	store    SweepStore
	notifier notify.Notifier
	clock    Clock
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	swept map[string]struct{}
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(store SweepStore, notifier notify.Notifier, clock Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		clock:    clock,
		interval: interval,
		logger:   slog.Default().With("subsystem", "sweeper"),
		swept:    make(map[string]struct{}),
	}
}

// Run blocks ticking until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single sweep iteration. Exported so tests can step the
// state machine without waiting on the ticker.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.clock.Now()
	items, err := s.store.ListCloseable(ctx)
	if err != nil {
		s.logger.Error("list closeable assessments", "error", err)
		return
	}
	for _, a := range items {
		if PhaseAt(a.Schedule, now) != model.PhaseClosed {
			continue
		}
		if !s.claim(a.ID) {
			continue
		}
		if err := s.close(ctx, a, now); err != nil {
			// Release the claim so the next tick retries the write.
			s.release(a.ID)
			s.logger.Error("close assessment", "assessment_id", a.ID, "error", err)
		}
	}
}

func (s *Sweeper) close(ctx context.Context, a model.Assessment, now time.Time) error {
	minutes := elapsedMinutes(a.Schedule)
	ok, err := s.store.MarkClosed(ctx, a.ID, minutes, now)
	if err != nil {
		return err
	}
	if !ok {
		// Someone else closed it first; the notification is theirs.
		return nil
	}
	s.logger.Info("assessment closed", "assessment_id", a.ID, "title", a.Title, "duration_minutes", minutes)
	s.notifier.Notify(ctx, model.Event{
		Kind:         model.EventAssessmentClosed,
		AssessmentID: a.ID,
		Title:        a.Title,
		At:           now,
	})
	return nil
}

// claim marks an assessment as handled before its closure write is issued,
// so a tick that fires while the write is still in flight cannot trigger a
// second one. The set is cleared only by process restart.
func (s *Sweeper) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.swept[id]; done {
		return false
	}
	s.swept[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.mu.Lock()
	delete(s.swept, id)
	s.mu.Unlock()
}

// Forget drops an assessment from the swept set. The engine calls this when
// an owner reopens a closed assessment within the same process lifetime.
func (s *Sweeper) Forget(id string) {
	s.release(id)
}
