package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"fabline/internal/app"
	"fabline/internal/config"
	"fabline/internal/db"
	"fabline/internal/engine"
	"fabline/internal/engine/access"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var adminActor = access.Actor{
	UserID:      "admin",
	Username:    "admin",
	Role:        config.RoleAdmin,
	StageAccess: config.StageAccessAll,
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	e, err := app.Bootstrap(context.Background(), conn, config.Default())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func tokenFor(t *testing.T, actor access.Actor) string {
	t.Helper()
	token, err := signDevToken(testSecret, actor.UserID, actor.Username, actor.Role, actor.StageAccess)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func addTech(t *testing.T, s *testServer, id, role string) access.Actor {
	t.Helper()
	u, err := s.Engine.CreateUser(context.Background(), adminActor, engine.UserInput{ID: id, Username: id, Role: role})
	if err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return access.Actor{UserID: u.ID, Username: u.Username, Role: u.Role, StageAccess: u.StageAccess}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t)
	resp, _ := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/units", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/units", nil, bearer("garbage"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s, want invalid_credentials", code)
	}
}

func TestTokenForDeactivatedUserRejected(t *testing.T) {
	s := newTestServer(t)
	tech := addTech(t, s, "asm-1", "assembly_tech")
	token := tokenFor(t, tech)

	// The token stays cryptographically valid after deactivation; the
	// user row check must reject it anyway.
	inactive := false
	if _, err := s.Engine.UpdateUser(context.Background(), adminActor, tech.UserID, engine.UserPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/me", nil, bearer(token))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s, want invalid_credentials", code)
	}
}

func TestTokenForUnknownUserRejected(t *testing.T) {
	s := newTestServer(t)
	ghost := access.Actor{UserID: "ghost", Username: "ghost", Role: config.RoleAdmin, StageAccess: config.StageAccessAll}
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/me", nil, bearer(tokenFor(t, ghost)))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s, want invalid_credentials", code)
	}
}

func TestTokenReflectsCurrentRole(t *testing.T) {
	s := newTestServer(t)
	tech := addTech(t, s, "tech-1", "assembly_tech")
	token := tokenFor(t, tech)

	role := "testing_tech"
	if _, err := s.Engine.UpdateUser(context.Background(), adminActor, tech.UserID, engine.UserPatch{Role: &role}); err != nil {
		t.Fatalf("update role: %v", err)
	}
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/me", nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d: %s", resp.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Role != "testing_tech" || me.StageAccess != "testing" {
		t.Fatalf("me = %+v, want role/stage_access from the user row", me)
	}
}

func TestUnitLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	adminToken := tokenFor(t, adminActor)
	actors := map[string]access.Actor{
		"material_collection": addTech(t, s, "sup-1", "supervisor"),
		"assembly":            addTech(t, s, "asm-1", "assembly_tech"),
		"testing":             addTech(t, s, "tst-1", "testing_tech"),
		"delivery":            addTech(t, s, "del-1", "delivery_tech"),
		"installation":        addTech(t, s, "ins-1", "installation_tech"),
	}

	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/units",
		map[string]any{"serial_number": "SN-100", "machine_type": "X200"}, bearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, data)
	}
	var created UnitResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode unit: %v", err)
	}
	if created.CurrentStage == nil || *created.CurrentStage != "material_collection" {
		t.Fatalf("current stage = %v", created.CurrentStage)
	}

	for _, stage := range s.Engine.Catalog.List() {
		token := tokenFor(t, actors[stage.Name])
		resp, data = doJSON(t, s.Client(), http.MethodPost,
			fmt.Sprintf("%s/v0/units/%s/complete", s.URL, created.ID),
			map[string]any{"remarks": "done"}, bearer(token))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("complete %s status = %d: %s", stage.Name, resp.StatusCode, data)
		}
		var tr TransitionResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			t.Fatalf("decode transition: %v", err)
		}
		if tr.FromStage != stage.Name {
			t.Fatalf("from = %s, want %s", tr.FromStage, stage.Name)
		}
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/units/"+created.ID, nil, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var detail UnitDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Unit.Status != "completed" || detail.Unit.CurrentStage != nil {
		t.Fatalf("unit not completed: %+v", detail.Unit)
	}
	if len(detail.History) != 5 {
		t.Fatalf("history entries = %d, want 5", len(detail.History))
	}
}

func TestCreateUnitForbiddenForTech(t *testing.T) {
	s := newTestServer(t)
	tech := addTech(t, s, "asm-1", "assembly_tech")
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/units",
		map[string]any{"serial_number": "SN-101"}, bearer(tokenFor(t, tech)))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", code)
	}
}

func TestCompleteCompletedUnitConflicts(t *testing.T) {
	s := newTestServer(t)
	adminToken := tokenFor(t, adminActor)
	u, err := s.Engine.CreateUnit(context.Background(), adminActor, engine.UnitInput{SerialNumber: "SN-102"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	for range s.Engine.Catalog.List() {
		if _, err := s.Engine.CompleteStage(context.Background(), u.ID, adminActor, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/units/"+u.ID+"/complete",
		map[string]any{}, bearer(adminToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "already_completed" {
		t.Fatalf("code = %s, want already_completed", code)
	}
}

func TestUnknownUnitNotFound(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/units/missing", nil, bearer(tokenFor(t, adminActor)))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %s, want not_found", code)
	}
}

func TestNoEligibleAssigneeOverHTTP(t *testing.T) {
	s := newTestServer(t)
	sup := addTech(t, s, "sup-1", "supervisor")
	u, err := s.Engine.CreateUnit(context.Background(), adminActor, engine.UnitInput{SerialNumber: "SN-103"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	inactive := false
	if _, err := s.Engine.UpdateUser(context.Background(), adminActor, "admin", engine.UserPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate admin: %v", err)
	}
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/units/"+u.ID+"/complete",
		map[string]any{}, bearer(tokenFor(t, sup)))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "no_eligible_assignee" {
		t.Fatalf("code = %s, want no_eligible_assignee", code)
	}
}

func TestListVisibilityOverHTTP(t *testing.T) {
	s := newTestServer(t)
	sup := addTech(t, s, "sup-1", "supervisor")
	asm := addTech(t, s, "asm-1", "assembly_tech")
	ctx := context.Background()
	if _, err := s.Engine.CreateUnit(ctx, adminActor, engine.UnitInput{SerialNumber: "SN-104"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	u2, err := s.Engine.CreateUnit(ctx, adminActor, engine.UnitInput{SerialNumber: "SN-105"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Engine.CompleteStage(ctx, u2.ID, sup, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/units", nil, bearer(tokenFor(t, asm)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var units []UnitResponse
	if err := json.Unmarshal(data, &units); err != nil {
		t.Fatalf("decode units: %v", err)
	}
	if len(units) != 1 || units[0].ID != u2.ID {
		t.Fatalf("assembly tech sees %d units, want just the assembly one", len(units))
	}
}

func TestDevLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/auth/dev/login",
		map[string]any{"user_id": "admin"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login status = %d: %s", resp.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/me", nil, bearer(login.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d: %s", resp.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != "admin" || !me.IsAdmin || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	tech := addTech(t, s, "asm-1", "assembly_tech")
	plaintext, _, err := s.Engine.CreateAPIKey(context.Background(), tech, "", "laptop")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/me", nil,
		map[string]string{"X-Api-Key": plaintext})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d: %s", resp.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != tech.UserID || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}
}

func TestDashboardOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	u, err := s.Engine.CreateUnit(ctx, adminActor, engine.UnitInput{SerialNumber: "SN-106"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for range s.Engine.Catalog.List() {
		if _, err := s.Engine.CompleteStage(ctx, u.ID, adminActor, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if _, err := s.Engine.CreateUnit(ctx, adminActor, engine.UnitInput{SerialNumber: "SN-107"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/dashboard", nil, bearer(tokenFor(t, adminActor)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var d engine.Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if d.Total != 2 || d.Completed != 1 || d.Pending != 1 {
		t.Fatalf("dashboard = %+v", d)
	}
}

func TestStagesEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/stages", nil, bearer(tokenFor(t, adminActor)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stages []StageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("decode stages: %v", err)
	}
	if len(stages) != 5 || stages[0].Name != "material_collection" || stages[4].Name != "installation" {
		t.Fatalf("stages = %+v", stages)
	}
}
