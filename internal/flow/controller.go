// Package flow implements the recommendation flow controller: the state machine that runs the
// candidate search and clarification calls concurrently, collects answers and requests the
// final ranking.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PillPipe/internal/answers"
	"github.com/BTreeMap/PillPipe/internal/metrics"
	"github.com/BTreeMap/PillPipe/internal/models"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("flow controller is closed")

// recordTimeout bounds a RunRecorder call.
const recordTimeout = 5 * time.Second

// Gateway is the remote analysis service as seen by the controller.
type Gateway interface {
	SearchCandidates(ctx context.Context, input models.InitialInput) ([]models.CandidateProduct, error)
	FetchClarification(ctx context.Context, input models.InitialInput) (*models.ClarifyResponse, error)
	FetchRecommendation(ctx context.Context, input models.InitialInput, answers models.AnswerMap, candidates []models.CandidateProduct) (*models.RankedResult, error)
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, rec *models.RunRecord) error
}

// Controller owns one user's flow state. All methods are safe for concurrent use.
//
// Every remote call is stamped with the generation that was live when it was launched. Start,
// Restart, a fatal error and Close bump the generation, so results from an earlier run are
// dropped when they arrive instead of being cancelled.
type Controller struct {
	gw           Gateway
	recorder     RunRecorder
	timeouts     Timeouts
	now          func() time.Time
	onTransition TransitionHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	gen       uint64
	version   uint64
	changed   chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	phase      models.Phase
	runID      string
	input      *models.InitialInput
	draft      *models.InitialInput
	answers    models.AnswerMap
	candidates []models.CandidateProduct // nil until search succeeds
	pending    *models.ClarifyResponse
	result     *models.RankedResult
	err        *FlowError
	startedAt  time.Time
	finishedAt time.Time
}

// NewController creates a controller in the INPUT phase.
func NewController(gw Gateway, opts ...Option) *Controller {
	cfg := Opts{Timeouts: DefaultTimeouts()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	ctx, cancel := context.WithCancel(cfg.Context)

	return &Controller{
		gw:           gw,
		recorder:     cfg.Recorder,
		timeouts:     cfg.Timeouts,
		now:          cfg.Clock,
		onTransition: cfg.OnTransition,
		ctx:          ctx,
		cancel:       cancel,
		changed:      make(chan struct{}),
		phase:        models.PhaseInput,
		answers:      models.AnswerMap{},
	}
}

// Start begins a new run with input. An invalid input is refused with a *models.ValidationError
// and leaves the state untouched. A run that is still in flight is abandoned.
func (c *Controller) Start(input models.InitialInput) error {
	if err := input.Validate(); err != nil {
		slog.Debug("Controller.Start: input refused", "error", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	abandoned := c.abandonLocked()
	c.beginRunLocked(input.Normalized())
	c.mu.Unlock()

	c.record(abandoned)
	return nil
}

// SubmitAnswers merges incoming into the accumulated answers and requests the recommendation.
// Keys that do not belong to the pending questions are dropped.
func (c *Controller) SubmitAnswers(incoming models.AnswerMap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.phase != models.PhaseClarifying {
		return invalidTransition(c.phase, "submit")
	}

	kept, dropped := answers.Restrict(incoming, c.pending.Questions)
	if len(dropped) > 0 {
		slog.Warn("Controller.SubmitAnswers: dropping answers for unknown questions", "run_id", c.runID, "keys", dropped)
	}
	c.answers = answers.Merge(c.answers, kept)
	slog.Debug("Controller.SubmitAnswers: answers merged", "run_id", c.runID, "submitted", len(kept), "total", len(c.answers))
	c.launchRecommendLocked()
	return nil
}

// Skip requests the recommendation with the answers accumulated so far.
func (c *Controller) Skip() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.phase != models.PhaseClarifying {
		return invalidTransition(c.phase, "skip")
	}
	slog.Debug("Controller.Skip: skipping clarification", "run_id", c.runID, "answers", len(c.answers))
	c.launchRecommendLocked()
	return nil
}

// Restart clears the flow state entirely, including any retained draft, and returns to INPUT.
func (c *Controller) Restart() {
	c.mu.Lock()
	abandoned := c.abandonLocked()
	c.gen++
	c.cancelRunLocked()
	c.clearRunLocked()
	c.draft = nil
	c.err = nil
	c.setPhaseLocked(models.PhaseInput)
	c.mu.Unlock()

	c.record(abandoned)
}

// Retry starts a new run with the input of the run that last failed.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != models.PhaseInput || c.draft == nil || c.err == nil {
		c.mu.Unlock()
		return models.ErrNothingToRetry
	}
	input := *c.draft
	slog.Info("Controller.Retry: retrying failed run", "failed_operation", c.err.Operation)
	c.beginRunLocked(input)
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// WaitFor blocks until pred accepts a snapshot or ctx ends. It returns the last snapshot seen.
func (c *Controller) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		c.mu.Lock()
		snap := c.snapshotLocked()
		changed := c.changed
		c.mu.Unlock()

		if pred(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// WaitForChange blocks until the state version differs from version or ctx ends.
func (c *Controller) WaitForChange(ctx context.Context, version uint64) (Snapshot, error) {
	return c.WaitFor(ctx, func(s Snapshot) bool { return s.Version != version })
}

// Close abandons any live run, cancels its outstanding calls and waits for them to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	abandoned := c.abandonLocked()
	c.gen++
	c.cancelRunLocked()
	c.bumpLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.record(abandoned)
}

// TransitionError reports an action that is not allowed in the current phase.
// It matches models.ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Phase  models.Phase
	Action string
}

func (e *TransitionError) Error() string {
	return e.Action + " not allowed in phase " + string(e.Phase)
}

func (e *TransitionError) Unwrap() error {
	return models.ErrInvalidTransition
}

func invalidTransition(phase models.Phase, action string) error {
	return &TransitionError{Phase: phase, Action: action}
}

// beginRunLocked resets the state for a fresh run and launches search and clarify.
func (c *Controller) beginRunLocked(input models.InitialInput) {
	c.gen++
	c.cancelRunLocked()
	c.clearRunLocked()

	c.runCtx, c.runCancel = context.WithCancel(c.ctx)
	c.runID = uuid.NewString()
	c.input = &input
	c.draft = nil
	c.err = nil
	c.startedAt = c.now()
	c.setPhaseLocked(models.PhaseAwaitingInitialResults)

	slog.Info("Controller.Start: run started", "run_id", c.runID, "supplement_type", input.SupplementType,
		"has_budget", input.BudgetKRWPerMonth != nil)

	gen, ctx := c.gen, c.runCtx
	c.wg.Add(2)
	go c.runSearch(ctx, gen, input)
	go c.runClarify(ctx, gen, input)
}

// launchRecommendLocked moves to AWAITING_FINAL_RESULT and issues the recommend call with
// copies of the current answers and candidates.
func (c *Controller) launchRecommendLocked() {
	c.pending = nil
	c.setPhaseLocked(models.PhaseAwaitingFinalResult)

	gen, ctx, input := c.gen, c.runCtx, *c.input
	ans := c.answers.Clone()
	cands := models.CloneProducts(c.candidates)
	c.wg.Add(1)
	go c.runRecommend(ctx, gen, input, ans, cands)
}

func (c *Controller) runSearch(ctx context.Context, gen uint64, input models.InitialInput) {
	defer c.wg.Done()
	ctx, cancel := withTimeout(ctx, c.timeouts.forOp(models.OpSearch))
	defer cancel()

	products, err := c.gw.SearchCandidates(ctx, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(gen, models.OpSearch) {
		return
	}
	if err != nil {
		slog.Warn("Controller.runSearch: candidate search failed, continuing without candidates", "run_id", c.runID, "error", err)
		return
	}
	if c.candidates != nil {
		return
	}
	c.candidates = models.CloneProducts(products)
	if c.candidates == nil {
		c.candidates = []models.CandidateProduct{}
	}
	slog.Debug("Controller.runSearch: candidates cached", "run_id", c.runID, "count", len(c.candidates), "phase", c.phase)
	c.bumpLocked()
}

func (c *Controller) runClarify(ctx context.Context, gen uint64, input models.InitialInput) {
	defer c.wg.Done()
	ctx, cancel := withTimeout(ctx, c.timeouts.forOp(models.OpClarify))
	defer cancel()

	resp, err := c.gw.FetchClarification(ctx, input)

	c.mu.Lock()
	if !c.liveLocked(gen, models.OpClarify) || c.phase != models.PhaseAwaitingInitialResults {
		c.mu.Unlock()
		return
	}
	if err != nil {
		rec := c.failLocked(models.OpClarify, err)
		c.mu.Unlock()
		c.record(rec)
		return
	}
	if resp.IsEmpty() {
		slog.Debug("Controller.runClarify: no clarification needed", "run_id", c.runID)
		c.launchRecommendLocked()
		c.mu.Unlock()
		return
	}
	c.pending = &models.ClarifyResponse{Questions: cloneQuestions(resp.Questions)}
	slog.Debug("Controller.runClarify: clarification requested", "run_id", c.runID, "questions", len(resp.Questions))
	c.setPhaseLocked(models.PhaseClarifying)
	c.mu.Unlock()
}

func (c *Controller) runRecommend(ctx context.Context, gen uint64, input models.InitialInput, ans models.AnswerMap, cands []models.CandidateProduct) {
	defer c.wg.Done()
	ctx, cancel := withTimeout(ctx, c.timeouts.forOp(models.OpRecommend))
	defer cancel()

	result, err := c.gw.FetchRecommendation(ctx, input, ans, cands)

	c.mu.Lock()
	if !c.liveLocked(gen, models.OpRecommend) || c.phase != models.PhaseAwaitingFinalResult {
		c.mu.Unlock()
		return
	}
	if err != nil {
		rec := c.failLocked(models.OpRecommend, err)
		c.mu.Unlock()
		c.record(rec)
		return
	}
	if result == nil {
		result = &models.RankedResult{Ranked: []models.RankedEntry{}}
	}
	c.result = result
	c.finishedAt = c.now()
	if result.IsEmpty() {
		slog.Warn("Controller.runRecommend: recommendation returned no ranked entries", "run_id", c.runID)
	}
	slog.Info("Controller.runRecommend: run completed", "run_id", c.runID, "ranked", len(result.Ranked),
		"elapsed", c.finishedAt.Sub(c.startedAt))
	c.setPhaseLocked(models.PhaseResult)
	rec := c.runRecordLocked(models.RunOutcomeCompleted, "", "")
	c.mu.Unlock()

	c.record(rec)
}

// liveLocked reports whether a call launched under gen may still write state.
func (c *Controller) liveLocked(gen uint64, op models.Operation) bool {
	if gen == c.gen {
		return true
	}
	slog.Warn("Controller: discarding stale result", "operation", op, "generation", gen, "live_generation", c.gen)
	metrics.RecordStaleResult(string(op))
	return false
}

// failLocked aborts the live run back to INPUT, keeping its input as the draft.
func (c *Controller) failLocked(op models.Operation, err error) *models.RunRecord {
	te := models.AsTransportError(op, err)
	rec := c.runRecordLocked(models.RunOutcomeFailed, op, te.Error())
	slog.Error("Controller.fail: run aborted", "run_id", c.runID, "operation", op, "status", te.StatusCode, "error", te)

	draft := *c.input
	c.gen++
	c.cancelRunLocked()
	c.clearRunLocked()
	c.draft = &draft
	c.err = &FlowError{Operation: op, Message: te.Error(), StatusCode: te.StatusCode}
	c.setPhaseLocked(models.PhaseInput)
	return rec
}

// abandonLocked builds the record for a run that is being dropped before it finished.
func (c *Controller) abandonLocked() *models.RunRecord {
	if c.input == nil || c.phase == models.PhaseInput || c.phase == models.PhaseResult {
		return nil
	}
	slog.Info("Controller: abandoning live run", "run_id", c.runID, "phase", c.phase)
	return c.runRecordLocked(models.RunOutcomeAbandoned, "", "")
}

func (c *Controller) runRecordLocked(outcome models.RunOutcome, op models.Operation, errMsg string) *models.RunRecord {
	finished := c.finishedAt
	if finished.IsZero() {
		finished = c.now()
	}
	rec := &models.RunRecord{
		ID:              c.runID,
		Outcome:         outcome,
		FailedOperation: op,
		Error:           errMsg,
		Answers:         c.answers.Clone(),
		CandidateCount:  len(c.candidates),
		StartedAt:       c.startedAt,
		FinishedAt:      finished,
		Elapsed:         finished.Sub(c.startedAt),
	}
	if c.input != nil {
		rec.Input = c.input.Normalized()
	}
	if c.result != nil {
		rec.Result = cloneResult(c.result)
		rec.RankedCount = len(c.result.Ranked)
	}
	return rec
}

// record hands rec to the recorder. It must be called without c.mu held.
func (c *Controller) record(rec *models.RunRecord) {
	if rec == nil {
		return
	}
	metrics.RecordRunFinished(string(rec.Outcome))
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.SaveRun(ctx, rec); err != nil {
		slog.Error("Controller.record: failed to save run", "run_id", rec.ID, "outcome", rec.Outcome, "error", err)
	}
}

func (c *Controller) clearRunLocked() {
	c.runID = ""
	c.input = nil
	c.answers = models.AnswerMap{}
	c.candidates = nil
	c.pending = nil
	c.result = nil
	c.startedAt = time.Time{}
	c.finishedAt = time.Time{}
}

func (c *Controller) cancelRunLocked() {
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
}

func (c *Controller) setPhaseLocked(to models.Phase) {
	from := c.phase
	c.phase = to
	if from != to {
		metrics.RecordTransition(string(from), string(to))
		slog.Debug("Controller: phase transition", "from", from, "to", to, "run_id", c.runID)
		if c.onTransition != nil {
			c.onTransition(from, to)
		}
	}
	c.bumpLocked()
}

// bumpLocked advances the version and wakes every waiter.
func (c *Controller) bumpLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
