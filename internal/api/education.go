package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gasguard/internal/config"
	"gasguard/internal/detect"
	"gasguard/internal/evidence"
)

const maxImageBytes = 16 << 20

type sessionView struct {
	ID          string           `json:"id"`
	Pages       []int            `json:"pages,omitempty"`
	Viewed      []int            `json:"viewed"`
	AllViewed   bool             `json:"all_viewed"`
	Capture     string           `json:"capture,omitempty"`
	Person      string           `json:"person,omitempty"`
	CountdownMS int64            `json:"countdown_ms"`
	PPE         detect.PPEStatus `json:"ppe,omitempty"`
	Ready       bool             `json:"ready"`
	Blocker     string           `json:"blocker,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	pages, err := s.deps.Catalog.PosterPages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cam := config.DefaultConfig().Camera
	if s.deps.Config != nil {
		cam = s.deps.Config.Get().Camera
	}
	sess := evidence.NewSession(pages, evidence.SessionOptionsFromConfig(cam), nil, s.deps.Clock)
	if s.deps.Detector != nil {
		s.deps.Detector.ResetSession()
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.logger.Info("education session started", "session", sess.ID(), "pages", len(pages))

	view := s.view(sess, nil)
	view.Pages = pages
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

func (s *Server) handleDropSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleViewPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid page: %w", err))
		return
	}
	if err := sess.ViewPage(page); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	req := struct {
		Confirmed *bool `json:"confirmed"`
	}{}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess.SetConfirmed(req.Confirmed == nil || *req.Confirmed)
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

// handleFrame takes one preview frame. The detector works on its own
// cadence, so the frame is judged against the latest finished result.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	img, err := decodeBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var res detect.Result
	if s.deps.Detector != nil {
		s.deps.Detector.Submit(img)
		res, _ = s.deps.Detector.Last()
	}
	sess.Observe(res, img)
	writeJSON(w, http.StatusOK, s.view(sess, res.PPE))
}

func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Retake()
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

// handleSignature appends strokes given as [[[x,y],...],...].
func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Strokes [][][2]int `json:"strokes"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxImageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	canvas := sess.SignatureBounds()
	strokes := make([][]image.Point, 0, len(req.Strokes))
	for _, stroke := range req.Strokes {
		points := make([]image.Point, len(stroke))
		for i, p := range stroke {
			points[i] = image.Pt(p[0], p[1])
			if !points[i].In(canvas) {
				writeError(w, http.StatusBadRequest, fmt.Errorf("point %v outside signature canvas %v", points[i], canvas.Max))
				return
			}
		}
		strokes = append(strokes, points)
	}
	for _, points := range strokes {
		sess.AddStroke(points)
	}
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

func (s *Server) handleClearSignature(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.ClearSignature()
	writeJSON(w, http.StatusOK, s.view(sess, nil))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Ready(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	posters, err := s.deps.Catalog.LoadPosters(sess.ViewedPages())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	bundle, err := sess.Bundle(posters)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	res, err := s.deps.Saver.SaveSync(r.Context(), bundle)
	switch {
	case errors.Is(err, evidence.ErrUnlicensed):
		writeError(w, http.StatusForbidden, err)
		return
	case err != nil:
		s.logger.Error("evidence save failed", "session", sess.ID(), "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	if s.deps.Detector != nil {
		s.deps.Detector.ResetSession()
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*evidence.Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
	}
	return sess, ok
}

func (s *Server) view(sess *evidence.Session, ppe detect.PPEStatus) sessionView {
	v := sessionView{
		ID:          sess.ID(),
		Viewed:      sess.ViewedPages(),
		AllViewed:   sess.AllViewed(),
		CountdownMS: sess.CountdownRemaining().Milliseconds(),
		PPE:         ppe,
	}
	if c, ok := sess.Capture(); ok {
		v.Capture = string(c.Kind)
		v.Person = c.Name
	}
	if err := sess.Ready(); err != nil {
		v.Blocker = err.Error()
	} else {
		v.Ready = true
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	img, _, err := image.Decode(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
