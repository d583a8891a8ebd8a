package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"island/internal/model"
	"island/internal/paging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type windowResponse struct {
	Posts      []model.Post `json:"posts"`
	NextOffset int          `json:"next_offset"`
	EndReached bool         `json:"end_reached"`
}

// streamMessage is pushed to stream subscribers. Exactly one field is set.
type streamMessage struct {
	States  *paging.LoadStates `json:"states,omitempty"`
	Changed bool               `json:"changed,omitempty"`
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	sections, err := s.store.ListSections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sections == nil {
		sections = []model.Section{}
	}
	writeJSON(w, http.StatusOK, sections)
}

// feedKey parses the {kind}/{id} route variables, writing 400 on failure.
func feedKey(w http.ResponseWriter, r *http.Request) (model.FeedKey, bool) {
	vars := mux.Vars(r)
	key, err := model.ParseFeedKey(vars["kind"], vars["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.FeedKey{}, false
	}
	return key, true
}

// openFeed returns the loader for the routed feed, opening it when needed.
func (s *Server) openFeed(w http.ResponseWriter, r *http.Request) (*paging.Loader, bool) {
	key, ok := feedKey(w, r)
	if !ok {
		return nil, false
	}
	l, err := s.feeds.Open(key)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return l, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleFeedWindow(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil || limit < 0 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 0 and "+strconv.Itoa(maxLimit))
		return
	}

	l, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	key := l.Key()
	if key.Kind == model.FeedSection && s.settings.Preferences().CurrentSection != key.ID {
		if _, err := s.settings.Update(r.Context(), func(p *model.Preferences) { p.CurrentSection = key.ID }); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	page, err := l.Window(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	posts := page.Posts
	if posts == nil {
		posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, windowResponse{
		Posts:      posts,
		NextOffset: page.NextOffset,
		EndReached: page.EndReached,
	})
}

func (s *Server) handleFeedRefresh(w http.ResponseWriter, r *http.Request) {
	s.runFeed(w, r, (*paging.Loader).Refresh)
}

func (s *Server) handleFeedRetry(w http.ResponseWriter, r *http.Request) {
	s.runFeed(w, r, (*paging.Loader).Retry)
}

// runFeed runs a load on the routed feed and reports the resulting states.
// A failed load is not a request failure; it shows in the states.
func (s *Server) runFeed(w http.ResponseWriter, r *http.Request, fn func(*paging.Loader, context.Context) error) {
	l, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	if err := fn(l, r.Context()); err != nil {
		s.logFor(r).Debug("feed load", "feed", l.Key().String(), "error", err)
	}
	writeJSON(w, http.StatusOK, l.States())
}

func (s *Server) handleFeedStates(w http.ResponseWriter, r *http.Request) {
	l, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l.States())
}

// handleFeedStream pushes load states and cache change notices over a
// WebSocket until the client goes away or the feed is replaced.
func (s *Server) handleFeedStream(w http.ResponseWriter, r *http.Request) {
	l, ok := s.openFeed(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logFor(r).Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	states := l.WatchStates(ctx)
	changes := l.WatchPosts(ctx)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	log := s.logFor(r).With("feed", l.Key().String())
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	send := func(msg streamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("stream write", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
				time.Now().Add(writeWait))
			return
		case st, ok := <-states:
			if !ok || !send(streamMessage{States: &st}) {
				return
			}
		case _, ok := <-changes:
			if !ok || !send(streamMessage{Changed: true}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
