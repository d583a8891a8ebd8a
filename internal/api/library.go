package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"island/internal/model"
	"island/internal/remote"
)

const maxSettingsBytes = 64 << 10

type cookieRequest struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

func (s *Server) handleListCookies(w http.ResponseWriter, r *http.Request) {
	cookies, err := s.settings.Cookies(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cookies == nil {
		cookies = []model.Cookie{}
	}
	writeJSON(w, http.StatusOK, cookies)
}

func (s *Server) handleAddCookie(w http.ResponseWriter, r *http.Request) {
	var req cookieRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.settings.AddCookie(r.Context(), req.Value, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleImportQR takes the decoded text of a cookie QR code as the body.
func (s *Server) handleImportQR(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	c, err := s.settings.ImportQR(r.Context(), strings.TrimSpace(string(body)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteCookie(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.DeleteCookie(r.Context(), mux.Vars(r)["value"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUseCookie(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.UseCookie(r.Context(), mux.Vars(r)["value"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Preferences())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Preferences())
}

// handlePutSettings merges a partial preferences document into the current
// preferences. The cookie in use is only changed through the cookie routes.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var probe model.Preferences
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := s.settings.Update(r.Context(), func(p *model.Preferences) {
		cookie := p.CookieInUse
		_ = json.Unmarshal(body, p)
		p.CookieInUse = cookie
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func threadID(r *http.Request) int64 {
	// The route only matches digits.
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleStarThread(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	n, err := s.store.SaveThread(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logFor(r).Info("thread saved", "thread", id, "posts", n)
	writeJSON(w, http.StatusOK, map[string]int{"saved": n})
}

func (s *Server) handleListSaved(w http.ResponseWriter, r *http.Request) {
	saved, err := s.store.ListSavedThreads(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if saved == nil {
		saved = []model.SavedPost{}
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetSaved(w http.ResponseWriter, r *http.Request) {
	saved, err := s.store.ListSavedPosts(r.Context(), threadID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(saved) == 0 {
		writeError(w, http.StatusNotFound, "thread is not saved")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteSaved(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSaved(r.Context(), threadID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readDraft parses a multipart post form. The optional image is sent in the
// "image" file field.
func readDraft(r *http.Request) (remote.Draft, func(), error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return remote.Draft{}, nil, err
	}
	d := remote.Draft{
		Content:   r.FormValue("content"),
		Name:      r.FormValue("name"),
		Email:     r.FormValue("email"),
		Title:     r.FormValue("title"),
		Watermark: r.FormValue("water") == "true",
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return d, cleanup, nil
	case err != nil:
		cleanup()
		return remote.Draft{}, nil, err
	}
	d.Image = file
	d.ImageName = header.Filename
	d.ImageType = header.Header.Get("Content-Type")
	return d, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

func (s *Server) handlePostThread(w http.ResponseWriter, r *http.Request) {
	d, cleanup, err := readDraft(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	defer cleanup()

	section := mux.Vars(r)["id"]
	if err := s.poster.PostThread(r.Context(), section, d); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logFor(r).Info("thread posted", "section", section)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "posted"})
}

// handleReply sends a reply, then refreshes the thread so the reply shows.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	d, cleanup, err := readDraft(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	defer cleanup()

	id := threadID(r)
	if err := s.poster.Reply(r.Context(), id, d); err != nil {
		s.fail(w, r, err)
		return
	}
	log := s.logFor(r).With("thread", id)
	log.Info("reply posted")

	if l, err := s.feeds.Open(model.ThreadFeed(id)); err != nil {
		log.Warn("open thread after reply", "error", err)
	} else if err := l.Refresh(r.Context()); err != nil {
		log.Warn("refresh thread after reply", "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "posted"})
}
