package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/procyon-edu/assessd/internal/feed"
	"github.com/procyon-edu/assessd/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleFeed streams the owner's merged live view over a websocket. The
// view is assembled from the owner-scoped path plus one path per course the
// client names, so records reachable through only one index still appear.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	ownerRef := chi.URLParam(r, "ownerRef")
	actor := model.ActorFromContext(r.Context())
	if actor == nil || actor.Ref != ownerRef {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	courses := splitParam(r.URL.Query().Get("courses"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sources := []feed.Source{
		h.hub.OwnerSource(ownerRef, func(ctx context.Context) ([]model.Assessment, error) {
			return h.engine.ListByOwner(ctx, ownerRef)
		}),
	}
	for _, courseRef := range courses {
		ref := courseRef
		sources = append(sources, h.hub.CourseSource(ref, func(ctx context.Context) ([]model.Assessment, error) {
			return h.engine.ListByCourse(ctx, ref)
		}))
	}
	ag := feed.NewAggregator(ctx, sources...)
	defer ag.Close()

	// Read pump: the client sends nothing meaningful, but reading is how
	// we notice the connection went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-ag.Snapshots():
			if err := conn.WriteJSON(snapshot); err != nil {
				slog.Debug("feed write failed, closing", "owner", ownerRef, "error", err)
				return
			}
		}
	}
}
