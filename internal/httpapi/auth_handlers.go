package httpapi

import (
	"net/http"
	"strings"
	"time"

	"carelock.org/internal/audit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  any       `json:"identity"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	ip := clientIP(r)
	ua := r.UserAgent()

	actor, err := a.deps.Identities.Verify(r.Context(), email, req.Password)
	if err != nil {
		// Pre-authentication failure: no actor id, only the origin. The
		// caller learns nothing about which factor was wrong.
		if auditErr := a.deps.Audit.Record(r.Context(), &audit.Event{
			Action:    audit.ActionLogin,
			Resource:  "login:" + email,
			IP:        ip,
			UserAgent: ua,
			Error:     "authentication failed",
		}); auditErr != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, token, err := a.deps.Sessions.Issue(r.Context(), actor, ip, ua)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.deps.Audit.Record(r.Context(), &audit.Event{
		ActorID:   actor.ID,
		Action:    audit.ActionLogin,
		Resource:  "login:" + email,
		IP:        ip,
		UserAgent: ua,
		Success:   true,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		Identity: map[string]any{
			"id":    actor.ID,
			"email": actor.Email,
			"name":  actor.Name,
			"role":  actor.Role,
		},
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	token := tokenFromContext(r.Context())
	if err := a.deps.Sessions.Revoke(r.Context(), token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.deps.Audit.Record(r.Context(), &audit.Event{
		ActorID:   actor.ID,
		Action:    audit.ActionLogout,
		Resource:  "login:" + actor.Email,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Success:   true,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}
