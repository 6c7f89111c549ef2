package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/store"
)

// sessionView is the JSON shape of a session, live or archived.
type sessionView struct {
	Live    bool                 `json:"live"`
	Record  domain.SessionRecord `json:"record"`
	Status  *session.Status      `json:"status,omitempty"`
	Failure string               `json:"failure,omitempty"`
}

func liveView(c *session.Controller) sessionView {
	st := c.Status()
	v := sessionView{Live: true, Record: c.Window(), Status: &st}
	if v.Record.ID == "" {
		v.Record = domain.SessionRecord{ID: c.ID(), Room: c.Room(), Outcome: domain.OutcomeActive, LastAgentState: c.State()}
	}
	if f, ok := c.Failure(); ok {
		v.Failure = f.Message
	}
	return v
}

type createSessionRequest struct {
	Room string `json:"room"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// ListSessions handles GET /api/sessions. Live sessions come first, followed
// by archived ones filtered by ?outcome= and ?limit=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	live := make([]sessionView, 0)
	for _, c := range h.sessions.List() {
		live = append(live, liveView(c))
	}

	archived := make([]*domain.SessionRecord, 0)
	if h.repo != nil {
		filter := store.ListFilter{Outcome: domain.Outcome(r.URL.Query().Get("outcome"))}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				Error(w, http.StatusBadRequest, "invalid limit")
				return
			}
			filter.Limit = n
		}
		recs, err := h.repo.ListSessions(r.Context(), filter)
		if err != nil {
			h.logger.Error("Failed to list sessions", "error", err)
			Error(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		archived = append(archived, recs...)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"live":     live,
		"archived": archived,
	})
}

// CreateSession handles POST /api/sessions: dial the room and start a window.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	c, err := h.sessions.Open(r.Context(), req.Room)
	if err != nil {
		h.logger.Error("Failed to open session", "room", req.Room, "error", err)
		Error(w, http.StatusBadGateway, "failed to join room")
		return
	}
	if err := c.Start(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, liveView(c))
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c, err := h.sessions.Get(id); err == nil {
		JSON(w, http.StatusOK, liveView(c))
		return
	}

	rec, err := h.archived(r, id)
	if err != nil {
		writeArchiveErr(w, err)
		return
	}
	JSON(w, http.StatusOK, sessionView{Record: *rec})
}

// GetTimeline handles GET /api/sessions/{id}/timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c, err := h.sessions.Get(id); err == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "live": true, "entries": c.Entries()})
		return
	}

	if _, err := h.archived(r, id); err != nil {
		writeArchiveErr(w, err)
		return
	}
	entries, err := h.repo.GetTimeline(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load timeline", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load timeline")
		return
	}
	if entries == nil {
		entries = []domain.TimelineEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "live": false, "entries": entries})
}

// EndSession handles DELETE /api/sessions/{id}, the user-initiated disconnect.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	c, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := c.End(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage handles POST /api/sessions/{id}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.sessions.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	if !h.allow(id) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	entry, err := c.Send(r.Context(), req.Content)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.logger.Info("Chat message sent", "session_id", id, "message_length", len(req.Content))
	JSON(w, http.StatusCreated, entry)
}

var errArchiveDisabled = errors.New("archive disabled")

func (h *Handler) archived(r *http.Request, id string) (*domain.SessionRecord, error) {
	if h.repo == nil {
		return nil, errArchiveDisabled
	}
	rec, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", id, "error", err)
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrNoSession
	}
	return rec, nil
}

func writeArchiveErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, errArchiveDisabled):
		Error(w, http.StatusNotFound, session.ErrNoSession.Error())
	default:
		Error(w, http.StatusInternalServerError, "failed to load session")
	}
}

// decodeBody decodes a capped JSON body into v. An empty body is accepted
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
