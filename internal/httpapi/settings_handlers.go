package httpapi

import (
	"net/http"
	"strings"

	"carelock.org/internal/audit"
)

type settingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.authorizeOrReject(w, r, audit.ActionView, "settings") {
			return
		}
		settings, err := a.deps.Policy.All(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": settings})
	case http.MethodPost:
		if !a.authorizeOrReject(w, r, audit.ActionUpdate, "settings") {
			return
		}
		var req settingRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Key) == "" {
			writeError(w, r, http.StatusBadRequest, "key is required")
			return
		}
		actor, _ := identityFromContext(r.Context())
		if err := a.deps.Policy.Set(r.Context(), req.Key, req.Value, actor.ID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
