package httpapi

import (
	"net/http"
	"strings"

	"carelock.org/internal/access"
	"carelock.org/internal/audit"
)

type accessCheckRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, _ := identityFromContext(r.Context())

	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action := audit.Action(strings.ToUpper(strings.TrimSpace(req.Action)))
	resource := strings.TrimSpace(req.Resource)
	if action == "" || resource == "" {
		writeError(w, r, http.StatusBadRequest, "action and resource are required")
		return
	}

	d, err := a.deps.Access.Authorize(r.Context(), actor, action, resource, access.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// authorizeOrReject runs the decision for an API-surface resource and writes
// the 403 when denied. The engine has already audited either way.
func (a *API) authorizeOrReject(w http.ResponseWriter, r *http.Request, action audit.Action, resource string) bool {
	actor, _ := identityFromContext(r.Context())
	d, err := a.deps.Access.Authorize(r.Context(), actor, action, resource, access.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return false
	}
	if !d.Allow {
		writeError(w, r, http.StatusForbidden, string(action)+" on "+resource+" denied")
		return false
	}
	return true
}
