package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"milemark/internal/config"
	"milemark/internal/db"
	"milemark/internal/domain"
	"milemark/internal/engine"
	"milemark/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

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
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
	return testSrv, func() { testSrv.Close() }
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

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createEngagement(t *testing.T, srv *testServer) domain.Engagement {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"client_id": "client-1",
		"title":     "Service package",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var eng domain.Engagement
	if err := json.Unmarshal(data, &eng); err != nil {
		t.Fatalf("unmarshal engagement: %v", err)
	}
	return eng
}

func progress(t *testing.T, srv *testServer, id string, value int) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements/"+id+"/progress", map[string]any{
		"value": value,
	}, actorHeader)
}

func TestProgressFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	eng := createEngagement(t, srv)
	if eng.CurrentMilestone != 10 {
		t.Fatalf("initial milestone %d", eng.CurrentMilestone)
	}

	res, data := progress(t, srv, eng.ID, 25)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to 25: %d %s", res.StatusCode, string(data))
	}
	var updated domain.Engagement
	_ = json.Unmarshal(data, &updated)
	if updated.CurrentMilestone != 25 {
		t.Fatalf("milestone after update: %d", updated.CurrentMilestone)
	}

	res, data = progress(t, srv, eng.ID, 90)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to 90: %d %s", res.StatusCode, string(data))
	}
	res, data = progress(t, srv, eng.ID, 100)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to 100: %d %s", res.StatusCode, string(data))
	}
	var final domain.Engagement
	_ = json.Unmarshal(data, &final)
	if !final.Completed || final.MessagingAllowed {
		t.Fatalf("completion side effects missing: %+v", final)
	}

	histRes, histData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements/"+eng.ID+"/history", nil, actorHeader)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", histRes.StatusCode, string(histData))
	}
	var hist struct {
		Items []domain.ProgressEntry `json:"items"`
	}
	if err := json.Unmarshal(histData, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Items) != 4 || hist.Items[0].Kind != "completed" {
		t.Fatalf("unexpected history: %+v", hist.Items)
	}
}

func TestProgressRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	eng := createEngagement(t, srv)

	res, data := progress(t, srv, eng.ID, 25)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to 25: %d %s", res.StatusCode, string(data))
	}

	res, data = progress(t, srv, eng.ID, 20)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("regression status: %d %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "regression_not_allowed" {
		t.Fatalf("regression code: %s", env.Error.Code)
	}

	res, data = progress(t, srv, eng.ID, 100)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("gate status: %d %s", res.StatusCode, string(data))
	}
	env = errEnvelope{}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "must_reach_final_stage_first" {
		t.Fatalf("gate code: %s", env.Error.Code)
	}
	if env.Error.Details["allowed"] == nil {
		t.Fatalf("expected allowed detail, got %+v", env.Error.Details)
	}

	res, data = progress(t, srv, eng.ID, 45)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid value status: %d %s", res.StatusCode, string(data))
	}
	env = errEnvelope{}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "invalid_milestone_value" {
		t.Fatalf("invalid value code: %s", env.Error.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements/nope", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("code: %s", env.Error.Code)
	}
}

func TestFeedbackGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	eng := createEngagement(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements/"+eng.ID+"/feedback", map[string]any{
		"rating": 5,
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("feedback before completion: %d %s", res.StatusCode, string(data))
	}

	progress(t, srv, eng.ID, 90)
	progress(t, srv, eng.ID, 100)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements/"+eng.ID+"/access", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("access: %d %s", res.StatusCode, string(data))
	}
	var access AccessModeResponse
	_ = json.Unmarshal(data, &access)
	if access.Mode != "feedback-required" || access.CanAccess {
		t.Fatalf("post-completion access: %+v", access)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements/"+eng.ID+"/feedback", map[string]any{
		"rating":  4,
		"comment": "solid work",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit feedback: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements/"+eng.ID+"/access", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("access after feedback: %d %s", res.StatusCode, string(data))
	}
	access = AccessModeResponse{}
	_ = json.Unmarshal(data, &access)
	if access.Mode != "read-only" || !access.CanAccess {
		t.Fatalf("post-feedback access: %+v", access)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements/"+eng.ID+"/feedback", map[string]any{
		"rating": 5,
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate feedback: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements/"+eng.ID+"/messaging", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messaging: %d %s", res.StatusCode, string(data))
	}
	var messaging MessagingResponse
	_ = json.Unmarshal(data, &messaging)
	if messaging.MessagingAllowed {
		t.Fatalf("messaging must stay closed after completion")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/engagements", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "automation",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created CreatedKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key in create response")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"client_id": "client-2",
		"title":     "Keyed engagement",
	}, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create with api key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"client_id": "client-2",
		"title":     "Bad key",
	}, map[string]string{"X-Api-Key": "not-a-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: %d %s", res.StatusCode, string(data))
	}
}

func TestMilestoneCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/milestones", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("milestones: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		Items []MilestoneResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal catalog: %v", err)
	}
	if len(out.Items) != 12 {
		t.Fatalf("catalog size: %d", len(out.Items))
	}
	if out.Items[0].Value != 10 || out.Items[len(out.Items)-1].Value != 100 {
		t.Fatalf("catalog bounds: %+v", out.Items)
	}
}
