package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"heroinit/internal/app"
	"heroinit/internal/config"
	"heroinit/internal/domain"
	"heroinit/internal/engine"
	"heroinit/internal/logging"
	"heroinit/internal/repo"
	heroinitsdk "heroinit/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	rt, err := app.Bootstrap(context.Background(), config.Default(), app.BootstrapOptions{
		Source: "test",
		Logger: logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Session:  rt.Session,
		Repo:     rt.Repo,
		Metrics:  rt.Metrics,
		BasePath: "/v0",
		Auth:     auth,
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
		URL:     "http://" + ln.Addr().String(),
		Runtime: rt,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rt.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func gmHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, "gm-1", RoleGM, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func addGrond(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/combatants", map[string]any{
		"name": "Grond", "display_name": "Grond the Troll", "spd": 3, "dex": 10, "stun": 40, "body": 15, "end": 30,
	}, gmHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add status %d: %s", res.StatusCode, string(data))
	}
}

func TestReadsAreOpen(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st domain.Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Turn != 1 || st.Segment != 0 || len(st.Combatants) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/combatants/gro", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("lowercase prefix should not match %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/combatants/Gro", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get combatant %d: %s", res.StatusCode, string(data))
	}
	var c domain.Combatant
	_ = json.Unmarshal(data, &c)
	if c.Name != "Grond" || c.Stun.Max != 40 || c.Kind != "PC" {
		t.Fatalf("unexpected combatant: %+v", c)
	}
	if len(c.Segments) != 12 || c.Segments[3] != "future" {
		t.Fatalf("unexpected segments: %v", c.Segments)
	}
	if c.Next != 4 || c.DisplayName != "Grond the Troll" {
		t.Fatalf("unexpected next phase %d or display name %q", c.Next, c.DisplayName)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/pcs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Grond") {
		t.Fatalf("pcs %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/acting", nil, nil)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("acting before advance %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
}

func TestAdvanceAndActing(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/advance", nil, gmHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance %d: %s", res.StatusCode, string(data))
	}
	var step domain.Step
	_ = json.Unmarshal(data, &step)
	if step.Actor != "Grond" || step.Turn != 1 || step.Segment != 4 {
		t.Fatalf("unexpected step: %+v", step)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/acting", nil, nil)
	var acting []domain.Combatant
	_ = json.Unmarshal(data, &acting)
	if res.StatusCode != http.StatusOK || len(acting) != 1 || !acting[0].Current {
		t.Fatalf("acting %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/skip", map[string]any{"segment": 2}, gmHeaders(t))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_range" {
		t.Fatalf("skip backwards %d: %s", res.StatusCode, string(data))
	}
}

func TestCommandAuth(t *testing.T) {
	body := map[string]any{"name": "Zed", "spd": 2, "dex": 8, "stun": 20, "body": 10, "end": 20}

	t.Run("disabled without secret", func(t *testing.T) {
		srv, cleanup := newTestServer(t, AuthConfig{})
		defer cleanup()
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/combatants", body, nil)
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
		}
	})

	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/combatants", body, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("missing token: %d %s", res.StatusCode, string(data))
	}

	bad, _ := IssueToken("other-secret", "gm-1", RoleGM, time.Hour)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/combatants", body, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad signature: %d %s", res.StatusCode, string(data))
	}

	player, _ := IssueToken(testSecret, "player-1", "player", time.Hour)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/combatants", body, map[string]string{"Authorization": "Bearer " + player})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong role: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/combatants", body, gmHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("gm add: %d %s", res.StatusCode, string(data))
	}
}

func TestCommandErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()
	gm := gmHeaders(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate", http.MethodPost, "/v0/combatants", map[string]any{"name": "Grond", "spd": 3, "dex": 10, "stun": 40, "body": 15, "end": 30}, http.StatusConflict, "duplicate_name"},
		{"speed out of range", http.MethodPost, "/v0/combatants", map[string]any{"name": "Zed", "spd": 13, "dex": 10, "stun": 40, "body": 15, "end": 30}, http.StatusBadRequest, "invalid_range"},
		{"unknown combatant", http.MethodPatch, "/v0/combatants/nobody/speed", map[string]any{"spd": 4}, http.StatusNotFound, "not_found"},
		{"unknown counter", http.MethodPost, "/v0/combatants/Grond/delta", map[string]any{"counter": "mana", "amount": 3}, http.StatusBadRequest, "unknown_counter"},
		{"remove unknown", http.MethodDelete, "/v0/combatants/nobody", nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, gm)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			if got := errorCode(t, data); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestDeltaSpeedAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()
	gm := gmHeaders(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/combatants/Grond/delta", map[string]any{"amount": 12}, gm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delta %d: %s", res.StatusCode, string(data))
	}
	var c domain.Combatant
	_ = json.Unmarshal(data, &c)
	if c.Stun.Cur != 28 {
		t.Fatalf("expected stun 28, got %+v", c.Stun)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/combatants/Grond/speed", map[string]any{"spd": 6}, gm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chspd %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &c)
	if c.Speed != 6 || c.Segments[1] != "future" {
		t.Fatalf("unexpected speed change: %+v", c)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/combatants/Grond/status", map[string]any{"status": "stunned"}, gm)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &c)
	if c.Status != "stunned" {
		t.Fatalf("expected status text, got %q", c.Status)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/combatants/Gr", nil, gm)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"Grond"`) {
		t.Fatalf("remove %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()
	gm := gmHeaders(t)
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/advance", nil, gm)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page.Items[0].SessionID != srv.Runtime.Session.ID() {
		t.Fatalf("event from another session: %+v", page.Items[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, nil)
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if res.StatusCode != http.StatusOK || len(next.Items) != 2 || next.NextCursor != "" {
		t.Fatalf("unexpected second page %d: %s", res.StatusCode, string(data))
	}

	sdkPage, err := heroinitsdk.New(srv.URL).EventsPage(context.Background(), 2, page.NextCursor)
	if err != nil {
		t.Fatalf("sdk events page: %v", err)
	}
	if len(sdkPage.Items) != 2 || sdkPage.Items[0].ID != next.Items[0].ID || sdkPage.NextCursor != "" {
		t.Fatalf("sdk page disagrees with raw page: %+v", sdkPage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=combatant.add", nil, nil)
	var adds paginatedEvents
	_ = json.Unmarshal(data, &adds)
	if len(adds.Items) != 1 || adds.Items[0].Combatant != "Grond" {
		t.Fatalf("type filter %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	addGrond(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `heroinit_commands_total{command="add",result="ok"} 1`) {
		t.Fatalf("missing command counter:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if len(oas.Paths["/v0/advance"]["post"].Security) == 0 {
		t.Fatalf("advance should require bearer auth")
	}
	if len(oas.Paths["/v0/status"]["get"].Security) != 0 {
		t.Fatalf("status should be open")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/openapi.json") {
		t.Fatalf("docs %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	rt, err := app.Bootstrap(context.Background(), config.Default(), app.BootstrapOptions{Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()

	d := NewWebhookDispatcher(rt.Repo, rt.Session.ID(), []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"turn.advance"},
		Secret: "s3cret",
	}}, nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	// The first pass pins the cursor at the current journal head.
	d.DispatchAll(ctx)

	sess := rt.Session
	if _, err := sess.Add(ctx, engine.CombatantSpec{
		Name: "Grond", Speed: 3, Reflex: 10,
		Stun: engine.NewCounter(40), Body: engine.NewCounter(15), End: engine.NewCounter(30),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sess.Advance(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "turn.advance" || got[0].Combatant != "Grond" || got[0].Segment != 4 {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
	if headers[0].Get("X-Heroinit-Secret") != "s3cret" || headers[0].Get("X-Heroinit-Session") != sess.ID() {
		t.Fatalf("unexpected headers: %v", headers[0])
	}
}

func TestNewWebhookDispatcherNeedsHooks(t *testing.T) {
	if d := NewWebhookDispatcher(repo.Repo{}, "s", nil, nil); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}

func TestServiceStartStop(t *testing.T) {
	rt, err := app.Bootstrap(context.Background(), config.Default(), app.BootstrapOptions{Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	svc := NewService("127.0.0.1:0", Config{Session: rt.Session, Repo: rt.Repo, Metrics: rt.Metrics}, nil)
	addr, err := svc.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Running() {
		t.Fatalf("expected running")
	}
	if _, err := svc.Start(); err == nil {
		t.Fatalf("second start should fail")
	}
	res, err := http.Get("http://" + addr + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if svc.Running() {
		t.Fatalf("expected stopped")
	}
	if err := svc.Stop(context.Background()); err == nil {
		t.Fatalf("second stop should fail")
	}
}
