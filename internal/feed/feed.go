// Package feed assembles an always-fresh view of assessments for one
// consumer out of several overlapping live queries. A single index path can
// miss records (an assessment attached to a course the owner picked up after
// subscribing), so the aggregator subscribes to every applicable path and
// merges by assessment id, newest revision winning. Delivery order across
// the distinct subscriptions is deliberately unspecified.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/procyon-edu/assessd/internal/model"
)

const subBuffer = 64

// Hub fans out assessment updates to scoped subscriptions. The engine
// publishes every assessment write here.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]*subscription
	next int64
}

type subscription struct {
	match func(model.Assessment) bool
	ch    chan model.Assessment
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]*subscription)}
}

// Publish fans an updated assessment out to every matching subscription.
// A subscriber that cannot keep up loses intermediate versions, never the
// stream: the aggregator re-primes on subscribe and merges by revision.
func (h *Hub) Publish(a model.Assessment) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.match(a) {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			slog.Warn("feed subscriber lagging, dropping update", "assessment_id", a.ID)
		}
	}
}

func (h *Hub) subscribe(match func(model.Assessment) bool) (<-chan model.Assessment, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	sub := &subscription{match: match, ch: make(chan model.Assessment, subBuffer)}
	h.subs[id] = sub
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// ListFunc primes a source with the store's current records for its path.
type ListFunc func(ctx context.Context) ([]model.Assessment, error)

// Source is one access path into the assessment set: a primed snapshot
// followed by live updates.
type Source struct {
	prime  ListFunc
	live   <-chan model.Assessment
	cancel func()
}

// OwnerSource follows assessments addressable by owner identity.
func (h *Hub) OwnerSource(ownerRef string, prime ListFunc) Source {
	live, cancel := h.subscribe(func(a model.Assessment) bool { return a.OwnerRef == ownerRef })
	return Source{prime: prime, live: live, cancel: cancel}
}

// CourseSource follows assessments addressable by one course.
func (h *Hub) CourseSource(courseRef string, prime ListFunc) Source {
	live, cancel := h.subscribe(func(a model.Assessment) bool { return a.CourseRef == courseRef })
	return Source{prime: prime, live: live, cancel: cancel}
}

// Aggregator merges all sources into one id-keyed view. For a given id the
// highest revision observed wins, whichever subscription delivered it.
type Aggregator struct {
	mu     sync.Mutex
	latest map[string]model.Assessment
	closed bool

	out     chan []model.Assessment
	cancels []func()
	wg      sync.WaitGroup
}

// NewAggregator subscribes to all sources concurrently and starts merging.
// Cancel ctx or call Close to tear the view down; updates resolving after
// teardown are discarded.
func NewAggregator(ctx context.Context, sources ...Source) *Aggregator {
	ag := &Aggregator{
		latest: make(map[string]model.Assessment),
		out:    make(chan []model.Assessment, 1),
	}
	for _, src := range sources {
		ag.cancels = append(ag.cancels, src.cancel)
		ag.wg.Add(1)
		go ag.follow(ctx, src)
	}
	go func() {
		<-ctx.Done()
		ag.Close()
	}()
	return ag
}

func (ag *Aggregator) follow(ctx context.Context, src Source) {
	defer ag.wg.Done()
	items, err := src.prime(ctx)
	if err != nil {
		// The other paths still cover their slices of the view.
		slog.Warn("feed source prime failed", "error", err)
	}
	for _, a := range items {
		ag.absorb(a)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-src.live:
			if !ok {
				return
			}
			ag.absorb(a)
		}
	}
}

// absorb merges one observed version into the view and publishes a fresh
// snapshot. Stale revisions of an already-seen assessment are ignored.
func (ag *Aggregator) absorb(a model.Assessment) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.closed {
		return
	}
	if have, ok := ag.latest[a.ID]; ok && have.Rev >= a.Rev {
		return
	}
	ag.latest[a.ID] = a
	snapshot := make([]model.Assessment, 0, len(ag.latest))
	for _, v := range ag.latest {
		snapshot = append(snapshot, v)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})
	// Latest-wins delivery: replace a pending snapshot instead of blocking.
	select {
	case <-ag.out:
	default:
	}
	ag.out <- snapshot
}

// Snapshots delivers merged views. Only the most recent undelivered
// snapshot is retained; consumers always catch up to current state.
func (ag *Aggregator) Snapshots() <-chan []model.Assessment {
	return ag.out
}

// Close cancels all subscriptions. Safe to call more than once.
func (ag *Aggregator) Close() {
	ag.mu.Lock()
	if ag.closed {
		ag.mu.Unlock()
		return
	}
	ag.closed = true
	ag.mu.Unlock()
	for _, cancel := range ag.cancels {
		cancel()
	}
}
