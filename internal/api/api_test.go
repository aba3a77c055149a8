package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PillPipe/internal/flow"
	"github.com/BTreeMap/PillPipe/internal/models"
	"github.com/BTreeMap/PillPipe/internal/store"
)

// stubGateway answers every call immediately from its configured fields.
type stubGateway struct {
	mu         sync.Mutex
	questions  []models.ClarifyQuestion
	clarifyErr error
	result     *models.RankedResult
	answers    []models.AnswerMap
	healthErr  error
}

var _ flow.Gateway = (*stubGateway)(nil)

func (g *stubGateway) SearchCandidates(ctx context.Context, input models.InitialInput) ([]models.CandidateProduct, error) {
	return []models.CandidateProduct{{Name: "Fish Oil Max"}}, nil
}

func (g *stubGateway) FetchClarification(ctx context.Context, input models.InitialInput) (*models.ClarifyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clarifyErr != nil {
		return nil, g.clarifyErr
	}
	return &models.ClarifyResponse{Questions: append([]models.ClarifyQuestion(nil), g.questions...)}, nil
}

func (g *stubGateway) FetchRecommendation(ctx context.Context, input models.InitialInput, answers models.AnswerMap, candidates []models.CandidateProduct) (*models.RankedResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, answers)
	if g.result != nil {
		return g.result, nil
	}
	return &models.RankedResult{Ranked: []models.RankedEntry{
		{Rank: 1, Product: models.CandidateProduct{Name: "first"}, Score: 90},
		{Rank: 2, Product: models.CandidateProduct{Name: "second"}, Score: 80},
		{Rank: 3, Product: models.CandidateProduct{Name: "third"}, Score: 70},
	}}, nil
}

func (g *stubGateway) HealthCheck(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthErr
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type testServer struct {
	t      *testing.T
	gw     *stubGateway
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, gw *stubGateway, opts ...Option) *testServer {
	t.Helper()
	s, err := NewServer(gw, opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := &testServer{t: t, gw: gw, server: s, http: httptest.NewServer(s.Routes())}
	t.Cleanup(func() {
		ts.http.Close()
		s.Close()
	})
	return ts
}

func (ts *testServer) do(method, path, body string) (int, envelope) {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	if err != nil {
		ts.t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		ts.t.Fatalf("%s %s: failed to decode body: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func (ts *testServer) createSession() string {
	ts.t.Helper()
	code, env := ts.do(http.MethodPost, "/api/sessions", "")
	if code != http.StatusCreated {
		ts.t.Fatalf("expected 201, got %d", code)
	}
	return decodeSession(ts.t, env).SessionID
}

func decodeSession(t *testing.T, env envelope) sessionResponse {
	t.Helper()
	var sr sessionResponse
	if err := json.Unmarshal(env.Result, &sr); err != nil {
		t.Fatalf("failed to decode session result: %v", err)
	}
	return sr
}

// pollUntil long-polls the session until its phase matches.
func (ts *testServer) pollUntil(id string, phase models.Phase) flow.Snapshot {
	ts.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	code, env := ts.do(http.MethodGet, "/api/sessions/"+id, "")
	if code != http.StatusOK {
		ts.t.Fatalf("GET session: expected 200, got %d", code)
	}
	state := decodeSession(ts.t, env).State
	for state.Phase != phase {
		if time.Now().After(deadline) {
			ts.t.Fatalf("timed out waiting for phase %s, last phase %s", phase, state.Phase)
		}
		path := "/api/sessions/" + id + "?wait=1&after=" + strconv.FormatUint(state.Version, 10)
		_, env = ts.do(http.MethodGet, path, "")
		state = decodeSession(ts.t, env).State
	}
	return state
}

const startBody = `{"supplement_type":"Omega-3","budget_krw_per_month":30000,"target_and_concerns":"50yo, memory"}`

func TestSessionFlowWithClarification(t *testing.T) {
	gw := &stubGateway{questions: []models.ClarifyQuestion{
		{ID: "q1", Prompt: "Pick one", Kind: models.QuestionKindSingleChoice, Options: []string{"A", "B"}},
	}}
	ts := newTestServer(t, gw)
	id := ts.createSession()

	code, env := ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody)
	if code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d (%s)", code, env.Message)
	}
	if env.Status != string(models.APIStatusAccepted) {
		t.Errorf("expected accepted status, got %q", env.Status)
	}

	state := ts.pollUntil(id, models.PhaseClarifying)
	if len(state.Questions) != 1 || state.Questions[0].ID != "q1" {
		t.Fatalf("unexpected questions: %+v", state.Questions)
	}

	code, env = ts.do(http.MethodPost, "/api/sessions/"+id+"/answers", `{"answers":{"q1":"A","q1__text":"after meals"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("answers: expected 202, got %d (%s)", code, env.Message)
	}

	state = ts.pollUntil(id, models.PhaseResult)
	if state.Result == nil || len(state.Result.Ranked) != 3 {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
	for i, e := range state.Result.Ranked {
		if e.Rank != i+1 {
			t.Errorf("entry %d has rank %d", i, e.Rank)
		}
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.answers) != 1 || gw.answers[0]["q1"] != "A" || gw.answers[0]["q1__text"] != "after meals" {
		t.Errorf("recommend called with %v", gw.answers)
	}
}

func TestSessionFlowWithoutClarification(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	id := ts.createSession()
	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody); code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d", code)
	}
	state := ts.pollUntil(id, models.PhaseResult)
	if state.Result == nil || len(state.Result.Ranked) != 3 {
		t.Errorf("unexpected result: %+v", state.Result)
	}
}

func TestStartValidation(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	id := ts.createSession()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"supplement_type":`, http.StatusBadRequest},
		{"missing label", `{"target_and_concerns":"memory"}`, http.StatusBadRequest},
		{"missing concerns", `{"supplement_type":"Omega-3"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := ts.do(http.MethodPost, "/api/sessions/"+id+"/start", tt.body)
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
			if env.Status != string(models.APIStatusError) {
				t.Errorf("expected error status, got %q", env.Status)
			}
		})
	}

	_, env := ts.do(http.MethodGet, "/api/sessions/"+id, "")
	if state := decodeSession(t, env).State; state.Phase != models.PhaseInput {
		t.Errorf("expected INPUT after refused start, got %s", state.Phase)
	}
}

func TestInvalidTransitionsConflict(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	id := ts.createSession()

	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/skip", ""); code != http.StatusConflict {
		t.Errorf("skip: expected 409, got %d", code)
	}
	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/answers", `{"answers":{"q1":"A"}}`); code != http.StatusConflict {
		t.Errorf("answers: expected 409, got %d", code)
	}
	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/retry", ""); code != http.StatusConflict {
		t.Errorf("retry: expected 409, got %d", code)
	}
}

func TestAnswersRejectsNestedValues(t *testing.T) {
	gw := &stubGateway{questions: []models.ClarifyQuestion{{ID: "q1", Prompt: "?", Kind: models.QuestionKindFreeText}}}
	ts := newTestServer(t, gw)
	id := ts.createSession()
	ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody)
	ts.pollUntil(id, models.PhaseClarifying)

	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/answers", `{"answers":{"q1":{"nested":true}}}`); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestClarifyFailureAndRetry(t *testing.T) {
	gw := &stubGateway{clarifyErr: &models.TransportError{Op: models.OpClarify, StatusCode: 500, Message: "boom"}}
	ts := newTestServer(t, gw)
	id := ts.createSession()
	ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody)

	deadline := time.Now().Add(3 * time.Second)
	var state flow.Snapshot
	for {
		_, env := ts.do(http.MethodGet, "/api/sessions/"+id, "")
		state = decodeSession(t, env).State
		if state.Error != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state.Phase != models.PhaseInput || state.Error == nil {
		t.Fatalf("expected INPUT with error, got %s / %+v", state.Phase, state.Error)
	}
	if state.Error.Operation != models.OpClarify {
		t.Errorf("expected clarify error, got %s", state.Error.Operation)
	}
	if state.Draft == nil || state.Draft.SupplementType != "Omega-3" {
		t.Errorf("expected draft to be retained, got %+v", state.Draft)
	}

	gw.mu.Lock()
	gw.clarifyErr = nil
	gw.mu.Unlock()

	code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/retry", "")
	if code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d", code)
	}
	ts.pollUntil(id, models.PhaseResult)
}

func TestRestartReturnsToInput(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	id := ts.createSession()
	ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody)
	ts.pollUntil(id, models.PhaseResult)

	code, env := ts.do(http.MethodPost, "/api/sessions/"+id+"/restart", "")
	if code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d", code)
	}
	state := decodeSession(t, env).State
	if state.Phase != models.PhaseInput || state.Result != nil || state.Input != nil {
		t.Errorf("restart did not clear state: %+v", state)
	}
}

func TestUnknownAndDeletedSessions(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	if code, _ := ts.do(http.MethodGet, "/api/sessions/does-not-exist", ""); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	id := ts.createSession()
	if code, _ := ts.do(http.MethodDelete, "/api/sessions/"+id, ""); code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", code)
	}
	if code, _ := ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody); code != http.StatusNotFound {
		t.Errorf("start after delete: expected 404, got %d", code)
	}
	if code, _ := ts.do(http.MethodDelete, "/api/sessions/"+id, ""); code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", code)
	}
}

func TestLongPollReturnsCurrentStateOnTimeout(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	id := ts.createSession()
	_, env := ts.do(http.MethodGet, "/api/sessions/"+id, "")
	before := decodeSession(t, env).State

	start := time.Now()
	code, env := ts.do(http.MethodGet, "/api/sessions/"+id+"?after="+strconv.FormatUint(before.Version, 10)+"&wait=1", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("long poll returned after %v, expected to wait", elapsed)
	}
	if after := decodeSession(t, env).State; after.Version != before.Version {
		t.Errorf("version changed without activity: %d -> %d", before.Version, after.Version)
	}

	if code, _ := ts.do(http.MethodGet, "/api/sessions/"+id+"?after=abc", ""); code != http.StatusBadRequest {
		t.Errorf("bad after: expected 400, got %d", code)
	}
	if code, _ := ts.do(http.MethodGet, "/api/sessions/"+id+"?after=1&wait=-3", ""); code != http.StatusBadRequest {
		t.Errorf("bad wait: expected 400, got %d", code)
	}
}

func TestRunHistoryEndpoints(t *testing.T) {
	st := store.NewInMemoryStore()
	ts := newTestServer(t, &stubGateway{}, WithStore(st))
	id := ts.createSession()
	ts.do(http.MethodPost, "/api/sessions/"+id+"/start", startBody)
	state := ts.pollUntil(id, models.PhaseResult)

	var runs []models.RunRecord
	deadline := time.Now().Add(3 * time.Second)
	for len(runs) == 0 && time.Now().Before(deadline) {
		code, env := ts.do(http.MethodGet, "/api/runs?limit=10", "")
		if code != http.StatusOK {
			t.Fatalf("list runs: expected 200, got %d", code)
		}
		if err := json.Unmarshal(env.Result, &runs); err != nil {
			t.Fatalf("failed to decode runs: %v", err)
		}
		if len(runs) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(runs) != 1 || runs[0].ID != state.RunID || runs[0].Outcome != models.RunOutcomeCompleted {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	code, env := ts.do(http.MethodGet, "/api/runs/"+state.RunID, "")
	if code != http.StatusOK {
		t.Fatalf("get run: expected 200, got %d", code)
	}
	var run models.RunRecord
	if err := json.Unmarshal(env.Result, &run); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	if run.RankedCount != 3 {
		t.Errorf("expected 3 ranked entries, got %d", run.RankedCount)
	}

	if code, _ := ts.do(http.MethodGet, "/api/runs/unknown", ""); code != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", code)
	}
	if code, _ := ts.do(http.MethodGet, "/api/runs?limit=abc", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", code)
	}
}

func TestRunHistoryDisabledWithoutStore(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	if code, _ := ts.do(http.MethodGet, "/api/runs", ""); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	gw := &stubGateway{}
	ts := newTestServer(t, gw, WithHealthChecker(gw))
	if code, env := ts.do(http.MethodGet, "/healthz", ""); code != http.StatusOK || env.Status != string(models.APIStatusOK) {
		t.Errorf("expected healthy, got %d %q", code, env.Status)
	}

	gw.mu.Lock()
	gw.healthErr = errors.New("connection refused")
	gw.mu.Unlock()
	if code, _ := ts.do(http.MethodGet, "/healthz", ""); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})
	ts.createSession()

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "pillpipe_active_sessions") {
		t.Error("expected pillpipe_active_sessions in metrics output")
	}
}

func TestNewServerRequiresGateway(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("expected error for nil gateway")
	}
}

func TestSessionReaping(t *testing.T) {
	gw := &stubGateway{}
	m := newSessionManager(func() *flow.Controller { return flow.NewController(gw) }, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	idle := m.create()
	now = now.Add(45 * time.Second)
	active := m.create()
	now = now.Add(30 * time.Second)

	if n := m.reap(); n != 1 {
		t.Fatalf("reap closed %d sessions, want 1", n)
	}
	if _, err := m.get(idle.id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected idle session to be reaped, got %v", err)
	}
	if _, err := m.get(active.id); err != nil {
		t.Errorf("expected active session to survive: %v", err)
	}
	if err := idle.ctrl.Start(models.InitialInput{SupplementType: "x", TargetAndConcerns: "y"}); !errors.Is(err, flow.ErrClosed) {
		t.Errorf("expected reaped controller to be closed, got %v", err)
	}
	m.closeAll()
	if m.count() != 0 {
		t.Errorf("expected no sessions after closeAll, got %d", m.count())
	}
}

func TestToAnswerMap(t *testing.T) {
	got, err := toAnswerMap(map[string]any{"q1": "A", "q2": float64(3), "q3": true, "q4": nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.AnswerMap{"q1": "A", "q2": "3", "q3": "true"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, err := toAnswerMap(map[string]any{"q1": []any{"a"}}); err == nil {
		t.Error("expected error for list value")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "supplement_type", Reason: "must not be empty"}, http.StatusBadRequest},
		{models.ErrInvalidTransition, http.StatusConflict},
		{&flow.TransitionError{Phase: models.PhaseInput, Action: "skip"}, http.StatusConflict},
		{models.ErrNothingToRetry, http.StatusConflict},
		{ErrSessionNotFound, http.StatusNotFound},
		{flow.ErrClosed, http.StatusNotFound},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
