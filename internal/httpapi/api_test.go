package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"carelock.org/internal/access"
	"carelock.org/internal/audit"
	"carelock.org/internal/emergency"
	"carelock.org/internal/identity"
	"carelock.org/internal/policy"
	"carelock.org/internal/session"
)

type testEnv struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	audits *audit.InMemory
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	identities, err := identity.NewService(identity.NewInMemory())
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	sessions, err := session.NewManager(session.NewInMemory(), "test-secret")
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	audits := audit.NewInMemory()
	auditEng, err := audit.NewEngine(audits)
	if err != nil {
		t.Fatalf("audit.NewEngine: %v", err)
	}
	pol, err := policy.NewService(policy.NewInMemory())
	if err != nil {
		t.Fatalf("policy.NewService: %v", err)
	}
	wf, err := emergency.NewWorkflow(emergency.NewInMemory(), auditEng, pol,
		emergency.WithApprovalRequired(false), emergency.WithWindow(time.Hour))
	if err != nil {
		t.Fatalf("emergency.NewWorkflow: %v", err)
	}
	accessEng, err := access.NewEngine(auditEng, wf)
	if err != nil {
		t.Fatalf("access.NewEngine: %v", err)
	}

	ctx := context.Background()
	seed := []struct {
		email, name, secret string
		role                identity.Role
	}{
		{"admin@clinic.test", "Admin", "admin-secret", identity.RoleAdmin},
		{"doctor@clinic.test", "Doctor", "doctor-secret", identity.RoleDoctor},
		{"nurse@clinic.test", "Nurse", "nurse-secret", identity.RoleNurse},
	}
	for _, s := range seed {
		if _, err := identities.Provision(ctx, s.email, s.name, s.secret, s.role); err != nil {
			t.Fatalf("Provision %s: %v", s.email, err)
		}
	}

	api := New(Deps{
		Identities: identities,
		Sessions:   sessions,
		Emergency:  wf,
		Access:     accessEng,
		Audit:      auditEng,
		Policy:     pol,
	}, ReadyProbe{}, "test", WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		audits:  audits,
	}
}

func (e *testEnv) do(method, path string, body any, token string, params url.Values) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	u := e.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(method, u, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) login(email, password string) string {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": password,
	}, "", nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	body := decodeBody[map[string]any](e.t, resp)
	token, _ := body["token"].(string)
	if token == "" {
		e.t.Fatalf("login %s: empty token", email)
	}
	return token
}

func TestLoginLogoutLifecycle(t *testing.T) {
	e := newTestAPI(t)

	token := e.login("doctor@clinic.test", "doctor-secret")

	resp := e.do(http.MethodPost, "/v1/access/check", map[string]string{
		"action": "VIEW", "resource": "patients/p-1",
	}, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access check: status %d", resp.StatusCode)
	}
	d := decodeBody[map[string]any](t, resp)
	if d["allow"] != true {
		t.Fatalf("doctor VIEW patient should be allowed: %+v", d)
	}

	resp = e.do(http.MethodPost, "/v1/auth/logout", nil, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The revoked token is dead for all further calls.
	resp = e.do(http.MethodPost, "/v1/access/check", map[string]string{
		"action": "VIEW", "resource": "patients/p-1",
	}, token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginFailureIsOpaqueAndAudited(t *testing.T) {
	e := newTestAPI(t)

	for _, creds := range []map[string]string{
		{"email": "doctor@clinic.test", "password": "wrong"},
		{"email": "ghost@clinic.test", "password": "whatever"},
	} {
		resp := e.do(http.MethodPost, "/v1/auth/login", creds, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status %d for %v", resp.StatusCode, creds)
		}
		body := decodeBody[map[string]any](t, resp)
		if body["error"] != "invalid credentials" {
			t.Fatalf("error message leaks cause: %v", body["error"])
		}
	}

	failed := false
	events, _, _ := e.audits.ListEvents(context.Background(), audit.Filter{Action: audit.ActionLogin, Success: &failed})
	if len(events) != 2 {
		t.Fatalf("expected 2 failed login events, got %d", len(events))
	}
	if events[0].ActorID != "" {
		t.Fatalf("failed login must carry no actor id: %+v", events[0])
	}
}

func TestAccessCheckDenied(t *testing.T) {
	e := newTestAPI(t)
	token := e.login("nurse@clinic.test", "nurse-secret")

	resp := e.do(http.MethodPost, "/v1/access/check", map[string]string{
		"action": "UPDATE", "resource": "patients/p-1/diagnosis",
	}, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	d := decodeBody[map[string]any](t, resp)
	if d["allow"] != false || d["reason"] != string(access.ReasonRoleDenied) {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEmergencyFlowOverHTTP(t *testing.T) {
	e := newTestAPI(t)
	nurseToken := e.login("nurse@clinic.test", "nurse-secret")
	adminToken := e.login("admin@clinic.test", "admin-secret")

	// Blank justification is rejected.
	resp := e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "  ",
	}, nurseToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank justification: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A justified request is granted immediately (approval not required).
	resp = e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "unconscious patient in ER",
	}, nurseToken, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request: status %d", resp.StatusCode)
	}
	grant := decodeBody[map[string]any](t, resp)
	if grant["status"] != string(emergency.StatusApproved) {
		t.Fatalf("unexpected status: %v", grant["status"])
	}
	grantID, _ := grant["id"].(string)

	// The override now applies to the nurse's denied action.
	resp = e.do(http.MethodPost, "/v1/access/check", map[string]string{
		"action": "UPDATE", "resource": "patients/p-1/diagnosis",
	}, nurseToken, nil)
	d := decodeBody[map[string]any](t, resp)
	if d["allow"] != true || d["reason"] != string(access.ReasonEmergencyOverride) {
		t.Fatalf("expected emergency override, got %+v", d)
	}

	// A duplicate request conflicts while the grant is live.
	resp = e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "again",
	}, nurseToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Admin revokes; the override disappears.
	resp = e.do(http.MethodPost, "/v1/emergency/"+grantID+"/revoke", nil, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(http.MethodPost, "/v1/access/check", map[string]string{
		"action": "UPDATE", "resource": "patients/p-1/diagnosis",
	}, nurseToken, nil)
	d = decodeBody[map[string]any](t, resp)
	if d["allow"] != false {
		t.Fatalf("revoked grant still honored: %+v", d)
	}
}

func TestEmergencyListScopedToRequester(t *testing.T) {
	e := newTestAPI(t)
	nurseToken := e.login("nurse@clinic.test", "nurse-secret")
	doctorToken := e.login("doctor@clinic.test", "doctor-secret")
	adminToken := e.login("admin@clinic.test", "admin-secret")

	resp := e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "ER",
	}, nurseToken, nil)
	resp.Body.Close()
	resp = e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-2", "justification": "ICU",
	}, doctorToken, nil)
	resp.Body.Close()

	type listResp struct {
		Items []emergency.Grant `json:"items"`
	}
	nurseList := decodeBody[listResp](t, e.do(http.MethodGet, "/v1/emergency", nil, nurseToken, nil))
	if len(nurseList.Items) != 1 || nurseList.Items[0].PatientID != "p-1" {
		t.Fatalf("nurse sees wrong grants: %+v", nurseList.Items)
	}
	adminList := decodeBody[listResp](t, e.do(http.MethodGet, "/v1/emergency", nil, adminToken, nil))
	if len(adminList.Items) != 2 {
		t.Fatalf("admin should see all grants: %+v", adminList.Items)
	}
}

func TestAuditQueryRequiresAdmin(t *testing.T) {
	e := newTestAPI(t)
	nurseToken := e.login("nurse@clinic.test", "nurse-secret")
	adminToken := e.login("admin@clinic.test", "admin-secret")

	resp := e.do(http.MethodGet, "/v1/audit", nil, nurseToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("nurse audit query: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	params := url.Values{"action": {"LOGIN"}}
	resp = e.do(http.MethodGet, "/v1/audit", nil, adminToken, params)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin audit query: status %d", resp.StatusCode)
	}
	body := decodeBody[auditQueryResponse](t, resp)
	if len(body.Items) != 2 {
		t.Fatalf("expected the two LOGIN events, got %d", len(body.Items))
	}
	for _, item := range body.Items {
		if item.Action != audit.ActionLogin {
			t.Fatalf("filter leaked action %s", item.Action)
		}
	}
}

func TestAuditQueryPagination(t *testing.T) {
	e := newTestAPI(t)
	adminToken := e.login("admin@clinic.test", "admin-secret")
	doctorToken := e.login("doctor@clinic.test", "doctor-secret")

	for i := 0; i < 4; i++ {
		resp := e.do(http.MethodPost, "/v1/access/check", map[string]string{
			"action": "VIEW", "resource": "patients/p-1",
		}, doctorToken, nil)
		resp.Body.Close()
	}

	first := decodeBody[auditQueryResponse](t, e.do(http.MethodGet, "/v1/audit", nil, adminToken,
		url.Values{"action": {"VIEW"}, "limit": {"2"}}))
	if len(first.Items) != 2 {
		t.Fatalf("first page: %d items", len(first.Items))
	}
	next := decodeBody[auditQueryResponse](t, e.do(http.MethodGet, "/v1/audit", nil, adminToken, url.Values{
		"action": {"VIEW"},
		"after":  {strconv.FormatUint(first.NextAfter, 10)},
		"limit":  {"100"},
	}))
	if len(next.Items) != 2 {
		t.Fatalf("second page: %d items", len(next.Items))
	}
	if next.Items[0].Seq <= first.Items[1].Seq {
		t.Fatal("pages overlap")
	}
}

func TestSecurityEventResolveFlow(t *testing.T) {
	e := newTestAPI(t)
	nurseToken := e.login("nurse@clinic.test", "nurse-secret")
	adminToken := e.login("admin@clinic.test", "admin-secret")

	// An emergency request always produces a security event.
	resp := e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "ER",
	}, nurseToken, nil)
	resp.Body.Close()

	type secList struct {
		Items []audit.SecurityEvent `json:"items"`
	}
	list := decodeBody[secList](t, e.do(http.MethodGet, "/v1/security/events", nil, adminToken,
		url.Values{"type": {"EMERGENCY_ACCESS"}}))
	if len(list.Items) != 1 {
		t.Fatalf("expected one EMERGENCY_ACCESS event, got %d", len(list.Items))
	}

	resp = e.do(http.MethodPost, "/v1/security/events/"+list.Items[0].ID+"/resolve", nil, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	after := decodeBody[secList](t, e.do(http.MethodGet, "/v1/security/events", nil, adminToken,
		url.Values{"type": {"EMERGENCY_ACCESS"}}))
	if len(after.Items) != 0 {
		t.Fatalf("resolved event still unresolved: %+v", after.Items)
	}

	// Nurses cannot resolve.
	resp = e.do(http.MethodPost, "/v1/security/events/whatever/resolve", nil, nurseToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("nurse resolve: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSettingsAdminOnly(t *testing.T) {
	e := newTestAPI(t)
	nurseToken := e.login("nurse@clinic.test", "nurse-secret")
	adminToken := e.login("admin@clinic.test", "admin-secret")

	resp := e.do(http.MethodPost, "/v1/settings", map[string]string{
		"key": policy.KeyEmergencyApprovalRequired, "value": "true",
	}, nurseToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("nurse settings write: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(http.MethodPost, "/v1/settings", map[string]string{
		"key": policy.KeyEmergencyApprovalRequired, "value": "true",
	}, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin settings write: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The flag takes effect on the next request: it now needs a decision.
	resp = e.do(http.MethodPost, "/v1/emergency", map[string]string{
		"patient_id": "p-1", "justification": "ER",
	}, nurseToken, nil)
	grant := decodeBody[map[string]any](t, resp)
	if grant["status"] != string(emergency.StatusPending) {
		t.Fatalf("expected pending grant, got %v", grant["status"])
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newTestAPI(t)
	resp := e.do(http.MethodGet, "/healthz", nil, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = e.do(http.MethodGet, "/readyz", nil, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnauthenticatedAdminProbeAudited(t *testing.T) {
	e := newTestAPI(t)

	resp := e.do(http.MethodGet, "/v1/security/events", nil, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()

	sec, _ := e.audits.ListSecurityEvents(context.Background(), audit.SecurityFilter{Type: audit.EventSuspiciousActivity})
	if len(sec) != 1 {
		t.Fatalf("expected SUSPICIOUS_ACTIVITY from unauthenticated probe, got %d", len(sec))
	}
}

// Grant ids are ULIDs; a malformed id is rejected up front, before any
// method dispatch or store lookup.
func TestEmergencyResourceRejectsMalformedID(t *testing.T) {
	e := newTestAPI(t)
	token := e.login("doctor@clinic.test", "doctor-secret")

	for _, path := range []string{"/v1/emergency/not-a-ulid", "/v1/emergency/not-a-ulid/revoke"} {
		resp := e.do(http.MethodGet, path, nil, token, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status %d, want 404", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
