package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PillPipe/internal/models"
)

const waitTimeout = 2 * time.Second

// fakeCall is one pending gateway request. The test settles it with resolve.
type fakeCall struct {
	op         models.Operation
	input      models.InitialInput
	answers    models.AnswerMap
	candidates []models.CandidateProduct
	reply      chan fakeReply
}

type fakeReply struct {
	products []models.CandidateProduct
	clarify  *models.ClarifyResponse
	result   *models.RankedResult
	err      error
}

func (c *fakeCall) resolve(r fakeReply) {
	c.reply <- r
}

// fakeGateway parks every call until the test resolves it. Calls honour context cancellation
// unless ignoreCancel is set, which lets a test deliver a late result to an abandoned run.
type fakeGateway struct {
	search    chan *fakeCall
	clarify   chan *fakeCall
	recommend chan *fakeCall

	ignoreCancel atomic.Bool
	stop         chan struct{}
	stopOnce     sync.Once
}

var _ Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		search:    make(chan *fakeCall, 16),
		clarify:   make(chan *fakeCall, 16),
		recommend: make(chan *fakeCall, 16),
		stop:      make(chan struct{}),
	}
}

func (g *fakeGateway) shutdown() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *fakeGateway) await(ctx context.Context, queue chan *fakeCall, call *fakeCall) fakeReply {
	done := ctx.Done()
	if g.ignoreCancel.Load() {
		done = nil
	}
	call.reply = make(chan fakeReply, 1)
	queue <- call
	select {
	case r := <-call.reply:
		return r
	case <-done:
		return fakeReply{err: ctx.Err()}
	case <-g.stop:
		return fakeReply{err: errors.New("fake gateway stopped")}
	}
}

func (g *fakeGateway) SearchCandidates(ctx context.Context, input models.InitialInput) ([]models.CandidateProduct, error) {
	r := g.await(ctx, g.search, &fakeCall{op: models.OpSearch, input: input})
	return r.products, r.err
}

func (g *fakeGateway) FetchClarification(ctx context.Context, input models.InitialInput) (*models.ClarifyResponse, error) {
	r := g.await(ctx, g.clarify, &fakeCall{op: models.OpClarify, input: input})
	return r.clarify, r.err
}

func (g *fakeGateway) FetchRecommendation(ctx context.Context, input models.InitialInput, answers models.AnswerMap, candidates []models.CandidateProduct) (*models.RankedResult, error) {
	r := g.await(ctx, g.recommend, &fakeCall{op: models.OpRecommend, input: input, answers: answers, candidates: candidates})
	return r.result, r.err
}

func next(t *testing.T, queue chan *fakeCall) *fakeCall {
	t.Helper()
	select {
	case c := <-queue:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for gateway call")
		return nil
	}
}

func expectNoCall(t *testing.T, queue chan *fakeCall) {
	t.Helper()
	select {
	case c := <-queue:
		t.Fatalf("unexpected %s call", c.op)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

func (r *fakeRecorder) SaveRun(_ context.Context, rec *models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *rec)
	return nil
}

func (r *fakeRecorder) outcomes() []models.RunOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RunOutcome, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.Outcome)
	}
	return out
}

func (r *fakeRecorder) last() models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

type harness struct {
	gw   *fakeGateway
	rec  *fakeRecorder
	ctrl *Controller

	mu     sync.Mutex
	phases []models.Phase
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{gw: newFakeGateway(), rec: &fakeRecorder{}}
	base := []Option{
		WithRecorder(h.rec),
		WithTransitionHook(func(_, to models.Phase) {
			h.mu.Lock()
			h.phases = append(h.phases, to)
			h.mu.Unlock()
		}),
	}
	h.ctrl = NewController(h.gw, append(base, opts...)...)
	t.Cleanup(func() {
		h.gw.shutdown()
		h.ctrl.Close()
	})
	return h
}

func (h *harness) visited() []models.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Phase(nil), h.phases...)
}

func (h *harness) waitFor(t *testing.T, desc string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := h.ctrl.WaitFor(ctx, pred)
	require.NoError(t, err, "waiting for %s; last phase %s", desc, s.Phase)
	return s
}

func (h *harness) waitPhase(t *testing.T, phase models.Phase) Snapshot {
	t.Helper()
	return h.waitFor(t, string(phase), func(s Snapshot) bool { return s.Phase == phase })
}

func validInput() models.InitialInput {
	budget := int64(30000)
	return models.InitialInput{SupplementType: "Omega-3", BudgetKRWPerMonth: &budget, TargetAndConcerns: "50yo, memory"}
}

func someCandidates() []models.CandidateProduct {
	return []models.CandidateProduct{{Name: "Fish Oil Max"}, {Name: "Krill Daily"}}
}

func rankedResult(names ...string) *models.RankedResult {
	r := &models.RankedResult{Ranked: make([]models.RankedEntry, 0, len(names))}
	for i, n := range names {
		r.Ranked = append(r.Ranked, models.RankedEntry{Rank: i + 1, Product: models.CandidateProduct{Name: n}, Score: float64(90 - i)})
	}
	return r
}

func oneQuestion() *models.ClarifyResponse {
	return &models.ClarifyResponse{Questions: []models.ClarifyQuestion{
		{ID: "q1", Prompt: "Pick one", Kind: models.QuestionKindSingleChoice, Options: []string{"A", "B"}},
	}}
}
