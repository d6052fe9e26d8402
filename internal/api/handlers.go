package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/ledger"
	"github.com/dokzlo13/scened/internal/reproduce"
)

const maxBodyBytes = 1 << 20

// stateRequest is the body of POST /api/states/{entity_id}
type stateRequest struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// reproduceRequest is the body of POST /api/reproduce
type reproduceRequest struct {
	States []struct {
		EntityID   string         `json:"entity_id"`
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	} `json:"states"`
	Blocking bool `json:"blocking"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.States.All())
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entity_id")
	st, ok := s.deps.States.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "entity_id"))

	var req stateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}

	_, existed := s.deps.States.Get(id)
	st, err := s.deps.States.Set(id, req.State, req.Attributes)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	writeJSON(w, status, st)
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Services.Services())
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	service := chi.URLParam(r, "service")
	blocking, _ := strconv.ParseBool(r.URL.Query().Get("blocking"))

	data := map[string]any{}
	if err := decodeBody(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Services.Call(r.Context(), domain, service, data, blocking); err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("service", service).Msg("Service call from API failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if !blocking {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"domain": domain, "service": service, "blocking": blocking})
}

func (s *Server) handleReproduce(w http.ResponseWriter, r *http.Request) {
	var req reproduceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	desired := make([]core.State, 0, len(req.States))
	for _, st := range req.States {
		id := strings.ToLower(st.EntityID)
		if !core.ValidEntityID(id) {
			writeError(w, http.StatusBadRequest, core.ErrInvalidEntityID.Error()+": "+st.EntityID)
			return
		}
		desired = append(desired, *core.NewState(id, st.State, st.Attributes))
	}

	tracker := reproduce.TrackStates(s.deps.States).Start()
	if err := s.deps.Reproducer.Reproduce(r.Context(), desired, req.Blocking); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := map[string]any{"requested": len(desired), "blocking": req.Blocking}
	if req.Blocking {
		changed := tracker.Stop()
		if changed == nil {
			changed = []*core.State{}
		}
		resp["changed"] = changed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusNotFound, "ledger disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.Ledger.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
