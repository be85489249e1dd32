package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carelock.org/internal/audit"
)

type auditQueryResponse struct {
	Items     []audit.Event `json:"items"`
	NextAfter uint64        `json:"next_after"`
	AsOf      time.Time     `json:"as_of"`
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.authorizeOrReject(w, r, audit.ActionView, "audit") {
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		ActorID:   strings.TrimSpace(q.Get("actor_id")),
		PatientID: strings.TrimSpace(q.Get("patient_id")),
		Action:    audit.Action(strings.ToUpper(strings.TrimSpace(q.Get("action")))),
		IP:        strings.TrimSpace(q.Get("ip")),
	}
	if raw := strings.TrimSpace(q.Get("success")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "success must be a boolean")
			return
		}
		f.Success = &v
	}
	if raw := strings.TrimSpace(q.Get("emergency")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "emergency must be a boolean")
			return
		}
		f.Emergency = &v
	}
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "until must be RFC 3339")
		return
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		f.AfterSeq = v
	}
	if f.Limit, err = parsePositiveInt(q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, next, err := a.deps.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, auditQueryResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.authorizeOrReject(w, r, audit.ActionView, "security/events") {
		return
	}

	q := r.URL.Query()
	f := audit.SecurityFilter{
		Type:       audit.SecurityEventType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		Severity:   audit.Severity(strings.ToUpper(strings.TrimSpace(q.Get("severity")))),
		IdentityID: strings.TrimSpace(q.Get("identity_id")),
		IP:         strings.TrimSpace(q.Get("ip")),
	}
	if raw := strings.TrimSpace(q.Get("include_resolved")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "include_resolved must be a boolean")
			return
		}
		f.IncludeResolved = v
	}
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	if f.Limit, err = parsePositiveInt(q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.deps.Audit.SecurityEvents(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleSecurityEventResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/security/events/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.authorizeOrReject(w, r, audit.ActionUpdate, "security/events/"+id) {
		return
	}
	actor, _ := identityFromContext(r.Context())

	if err := a.deps.Audit.Resolve(r.Context(), id, actor.ID); err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved"})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
