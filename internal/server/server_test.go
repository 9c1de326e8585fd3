package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stride/internal/config"
	"stride/internal/db"
	"stride/internal/engine"
	"stride/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("stride")
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Identity: IdentityConfig{AllowUserHeader: true},
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
	req.Header.Set("X-User-Id", "casey")
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

// buildGoal creates a goal with one phase per actionsPerPhase entry and
// returns the goal id plus action ids in traversal order.
func buildGoal(t *testing.T, srv *testServer, actionsPerPhase []int) (string, []string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals", map[string]any{
		"category": "health",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create goal: %d %s", res.StatusCode, string(data))
	}
	var goal GoalResponse
	if err := json.Unmarshal(data, &goal); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	var actionIDs []string
	for pi, count := range actionsPerPhase {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+goal.ID+"/phases", map[string]any{
			"name": "phase",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add phase %d: %d %s", pi, res.StatusCode, string(data))
		}
		var phase PhaseResponse
		_ = json.Unmarshal(data, &phase)
		for ai := 0; ai < count; ai++ {
			res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/phases/"+phase.ID+"/actions", map[string]any{
				"title":      "action",
				"definition": "do the thing",
			}, nil)
			if res.StatusCode != http.StatusCreated {
				t.Fatalf("add action %d.%d: %d %s", pi, ai, res.StatusCode, string(data))
			}
			var action ActionResponse
			_ = json.Unmarshal(data, &action)
			actionIDs = append(actionIDs, action.ID)
		}
	}
	return goal.ID, actionIDs
}

func TestCompleteAdvancesAcrossPhases(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	goalID, actions := buildGoal(t, srv, []int{2, 1})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+goalID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start goal: %d %s", res.StatusCode, string(data))
	}
	var pos PositionResponse
	_ = json.Unmarshal(data, &pos)
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[0] {
		t.Fatalf("expected position at first action, got %+v", pos)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/complete", map[string]any{
		"difficulty": 3, "energy": 4,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done CompletionResponse
	_ = json.Unmarshal(data, &done)
	if done.NextActionID == nil || *done.NextActionID != actions[1] {
		t.Fatalf("expected next %s, got %+v", actions[1], done)
	}

	// Second attempt on the same action conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/complete", map[string]any{
		"difficulty": 1, "energy": 1,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "already_completed" {
		t.Fatalf("expected already_completed, got %q", envelope.Error.Code)
	}

	// Crossing the phase boundary lands on the next phase's first action.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[1]+"/complete", map[string]any{
		"difficulty": 2, "energy": 2,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete second: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &done)
	if done.NextActionID == nil || *done.NextActionID != actions[2] {
		t.Fatalf("expected next %s, got %+v", actions[2], done)
	}

	// Final completion exhausts the goal.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[2]+"/complete", map[string]any{
		"difficulty": 5, "energy": 3,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete last: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &done)
	if done.NextActionID != nil {
		t.Fatalf("expected exhaustion, got next %s", *done.NextActionID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/position", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get position: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &pos)
	if pos.CurrentActionID != nil {
		t.Fatalf("expected cleared action pointer, got %s", *pos.CurrentActionID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/goals/"+goalID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get goal: %d %s", res.StatusCode, string(data))
	}
	var goal GoalResponse
	_ = json.Unmarshal(data, &goal)
	if goal.Status != "completed" {
		t.Fatalf("expected goal completed, got %s", goal.Status)
	}
}

func TestIncompleteOnCompletedActionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	goalID, actions := buildGoal(t, srv, []int{1})
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+goalID+"/start", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	// Missing an incomplete action is fine and leaves the position alone.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/incomplete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("incomplete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/position", nil, nil)
	var pos PositionResponse
	_ = json.Unmarshal(data, &pos)
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[0] {
		t.Fatalf("expected position unchanged, got %+v", pos)
	}

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/complete", map[string]any{
		"difficulty": 3, "energy": 3,
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/incomplete", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "cannot_reverse_completed" {
		t.Fatalf("expected cannot_reverse_completed, got %q", envelope.Error.Code)
	}
}

func TestRatingValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	goalID, actions := buildGoal(t, srv, []int{1})
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+goalID+"/start", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actions/"+actions[0]+"/complete", map[string]any{
		"difficulty": 0, "energy": 3,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}

	// The failed attempt must not have completed the action.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/actions/"+actions[0], nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get action: %d %s", res.StatusCode, string(data))
	}
	var action ActionResponse
	_ = json.Unmarshal(data, &action)
	if action.CompletedAt != nil {
		t.Fatalf("expected action untouched, got completed_at %s", *action.CompletedAt)
	}
}

func TestStartEmptyGoalConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	goalID, _ := buildGoal(t, srv, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals/"+goalID+"/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestPositionBeforeInitIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/position", nil,
		map[string]string{"X-User-Id": "newcomer"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}
}

func TestIdentityRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/goals", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	healthRes, err := srv.Client().Do(mustRequest(t, http.MethodGet, srv.URL+"/v1/health"))
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", healthRes.StatusCode)
	}
}

func mustRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}
