package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carelock.org/internal/emergency"
	"carelock.org/internal/identity"
	"carelock.org/internal/ids"
)

type emergencyRequestBody struct {
	PatientID     string `json:"patient_id"`
	Justification string `json:"justification"`
}

type emergencyDecisionBody struct {
	Approve bool `json:"approve"`
}

func (a *API) handleEmergencyCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.requestEmergency(w, r)
	case http.MethodGet:
		a.listEmergency(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleEmergencyResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/emergency/")
	id, sub, _ := strings.Cut(rest, "/")
	// Grant ids are ULIDs; anything else cannot exist, so skip the lookup.
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getEmergency(w, r, id)
	case "decision":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.decideEmergency(w, r, id)
	case "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeEmergency(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) requestEmergency(w http.ResponseWriter, r *http.Request) {
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req emergencyRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.deps.Emergency.Request(r.Context(), actor, emergency.RequestInput{
		PatientID:     strings.TrimSpace(req.PatientID),
		Justification: req.Justification,
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		handleEmergencyError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/emergency/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) listEmergency(w http.ResponseWriter, r *http.Request) {
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	f := emergency.GrantFilter{
		PatientID: strings.TrimSpace(r.URL.Query().Get("patient_id")),
		Status:    emergency.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	// Non-admins only ever see their own grants.
	if actor.Role == identity.RoleAdmin {
		f.IdentityID = strings.TrimSpace(r.URL.Query().Get("identity_id"))
	} else {
		f.IdentityID = actor.ID
	}

	grants, err := a.deps.Emergency.Grants(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": grants})
}

func (a *API) getEmergency(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	grant, err := a.deps.Emergency.Get(r.Context(), id)
	if err != nil {
		handleEmergencyError(w, r, err)
		return
	}
	if actor.Role != identity.RoleAdmin && grant.IdentityID != actor.ID {
		// Do not confirm the grant exists for someone else.
		writeError(w, r, http.StatusNotFound, emergency.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) decideEmergency(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req emergencyDecisionBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.deps.Emergency.Decide(r.Context(), actor, id, req.Approve)
	if err != nil {
		handleEmergencyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) revokeEmergency(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	grant, err := a.deps.Emergency.Revoke(r.Context(), actor, id)
	if err != nil {
		handleEmergencyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func handleEmergencyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, emergency.ErrEmptyJustification), errors.Is(err, emergency.ErrMissingPatient):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, emergency.ErrNotAllowed):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, emergency.ErrDuplicateActiveGrant), errors.Is(err, emergency.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
