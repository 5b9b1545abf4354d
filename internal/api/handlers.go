package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/device"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/reduce"
)

type handler struct {
	engine Engine
}

type listResponse struct {
	Groups []group.Snapshot  `json:"groups"`
	Failed map[string]string `json:"failed,omitempty"`
}

type updateRequest struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

type membershipRequest struct {
	Devices   []string            `json:"devices"`
	Supported map[string][]string `json:"supported,omitempty"`
}

type writeRequest struct {
	Values  map[string]any                 `json:"values"`
	Options map[string]device.WriteOptions `json:"options,omitempty"`
}

func (h *handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.engine.List()
	resp := listResponse{
		Groups: make([]group.Snapshot, 0, len(groups)),
		Failed: h.engine.Failed(),
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, g.Snapshot())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req group.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, err := h.engine.Create(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, g.Snapshot())
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g.Snapshot())
}

func (h *handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, err := h.engine.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.Class)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g.Snapshot())
}

func (h *handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) applySettings(w http.ResponseWriter, r *http.Request) {
	var s group.Settings
	if err := decodeJSON(r, &s); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, err := h.engine.ApplySettings(r.Context(), chi.URLParam(r, "id"), s)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g.Snapshot())
}

func (h *handler) setMembership(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, err := h.engine.SetMembership(r.Context(), chi.URLParam(r, "id"), req.Devices, req.Supported)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g.Snapshot())
}

func (h *handler) writeCapabilities(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Values) == 0 {
		respondError(w, http.StatusBadRequest, "values are required")
		return
	}

	if err := h.engine.Write(r.Context(), chi.URLParam(r, "id"), req.Values, req.Options); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"values": req.Values})
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	var selected []string
	if s := r.URL.Query().Get("selected"); s != "" {
		selected = strings.Split(s, ",")
	}

	devices, err := h.engine.EligibleDevices(r.Context(), r.URL.Query().Get("class"), selected)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Warn().Err(err).Msg("Failed to encode response")
		}
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleError converts engine errors to HTTP errors.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, group.ErrNotFound), errors.Is(err, group.ErrDestroyed):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, group.ErrInvalidMembership),
		errors.Is(err, group.ErrUnknownCapability),
		errors.Is(err, group.ErrInvalidSettings),
		errors.Is(err, reduce.ErrUnknownMethod):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
