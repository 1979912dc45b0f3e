package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"focuslock/internal/config"
	"focuslock/internal/db"
	"focuslock/internal/domain"
	"focuslock/internal/engine"
	"focuslock/internal/migrate"
	"focuslock/internal/monitor"
	"focuslock/internal/repo"
	"focuslock/internal/unlock"
	"focuslock/internal/wake"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	Unlock *unlock.Service
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Wake = wake.New(e.OnFire)
	u := unlock.New(conn)
	handler, err := New(Config{
		Engine:  e,
		Monitor: monitor.New(e),
		Unlock:  u,
		Auth:    AuthConfig{JWTSecret: testJWTSecret},
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
		Unlock: u,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, actorID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "tester")}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	rawKey := "raw-key-material"
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID: "k1", ActorID: "machine", KeyHash: repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"X-Api-Key": rawKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad api key, got %d", res.StatusCode)
	}
}

func TestSessionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"duration_minutes": 25,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started domain.Session
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if !started.Locked || started.Source != "manual" {
		t.Fatalf("unexpected session: %+v", started)
	}

	// A second start collides.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"duration_minutes": 10,
	}, authHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double start, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if !status.Session.Locked || status.Session.RemainingMS <= 0 {
		t.Fatalf("unexpected status: %+v", status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/end", map[string]any{
		"completed": true,
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/end", map[string]any{}, authHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 ending twice, got %d: %s", res.StatusCode, string(data))
	}
}

func TestForegroundDecision(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"duration_minutes": 25,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/foreground", map[string]any{
		"package_id": "com.app.social",
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("foreground: %d %s", res.StatusCode, string(data))
	}
	var out OutcomeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Verdict != "block" {
		t.Fatalf("expected block, got %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/foreground", map[string]any{
		"package_id": "com.android.systemui",
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("foreground allowed: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Verdict != "allow" || out.Rule != "essential_system" {
		t.Fatalf("expected essential-system allow, got %+v", out)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/schedules", map[string]any{
		"name":             "mornings",
		"start_hour":       9,
		"start_minute":     30,
		"duration_minutes": 45,
		"repeat_type":      "weekly",
		"repeat_days":      "mon,wed,fri",
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Schedule
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" || created.RepeatDays.CSV() != "mon,wed,fri" {
		t.Fatalf("unexpected schedule: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/schedules", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.Schedule
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(listed))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schedules/"+created.ID+"/disable", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/schedules/"+created.ID, nil, authHeaders(t))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}

	// Invalid repeat data is rejected up front.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schedules", map[string]any{
		"name":             "broken",
		"start_hour":       9,
		"duration_minutes": 45,
		"repeat_type":      "weekly",
		"repeat_days":      "",
	}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected rejection, got %d %s", res.StatusCode, string(data))
	}
}

func TestWhitelistEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/whitelist", map[string]any{
		"package_id": "com.app.notes",
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		t.Fatalf("add: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/whitelist", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.WhitelistEntry
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed) != 1 || listed[0].PackageID != "com.app.notes" {
		t.Fatalf("unexpected whitelist: %+v", listed)
	}

	// Quota errors map to 422.
	srv.Engine.Config.Enforcement.MaxWhitelistedApps = 1
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/whitelist", map[string]any{
		"package_id": "com.app.extra",
	}, authHeaders(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 over quota, got %d %s", res.StatusCode, string(data))
	}
}

func TestPINUnlockEndsSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if err := srv.Unlock.SetPIN(ctx, "1234", "tester"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"duration_minutes": 25,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/unlock/pin", map[string]any{
		"pin": "9999",
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wrong pin: %d %s", res.StatusCode, string(data))
	}
	var valid ValidResponse
	if err := json.Unmarshal(data, &valid); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if valid.Valid {
		t.Fatalf("wrong pin accepted")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/unlock/pin", map[string]any{
		"pin": "1234",
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("right pin: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &valid); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !valid.Valid {
		t.Fatalf("right pin rejected")
	}

	st, err := srv.Engine.CheckExpiryOrRestart(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionNone {
		t.Fatalf("session survived pin unlock")
	}
}

func TestCodeUnlockEndsSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"duration_minutes": 25,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}
	otc, err := srv.Unlock.GenerateCode(ctx, "tester")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/unlock/code/validate", map[string]any{
		"code": otc.Code,
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var valid ValidResponse
	if err := json.Unmarshal(data, &valid); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !valid.Valid {
		t.Fatalf("valid code rejected")
	}
	st, err := srv.Engine.CheckExpiryOrRestart(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Action != engine.ActionNone {
		t.Fatalf("session survived code unlock")
	}
}
