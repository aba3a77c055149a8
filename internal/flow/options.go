package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// Default per-operation deadlines.
const (
	DefaultSearchTimeout    = 45 * time.Second
	DefaultClarifyTimeout   = 30 * time.Second
	DefaultRecommendTimeout = 120 * time.Second
)

// Timeouts bounds each remote operation. A zero value disables the deadline for that operation.
type Timeouts struct {
	Search    time.Duration
	Clarify   time.Duration
	Recommend time.Duration
}

// DefaultTimeouts returns the deadlines used when WithTimeouts is not given.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Search:    DefaultSearchTimeout,
		Clarify:   DefaultClarifyTimeout,
		Recommend: DefaultRecommendTimeout,
	}
}

func (t Timeouts) forOp(op models.Operation) time.Duration {
	switch op {
	case models.OpSearch:
		return t.Search
	case models.OpClarify:
		return t.Clarify
	case models.OpRecommend:
		return t.Recommend
	}
	return 0
}

// TransitionHook observes phase changes. It runs with the controller lock held and must not
// call back into the controller.
type TransitionHook func(from, to models.Phase)

// Opts holds configuration options for a Controller.
type Opts struct {
	Recorder     RunRecorder
	Timeouts     Timeouts
	Clock        func() time.Time
	OnTransition TransitionHook
	Context      context.Context
}

// Option defines a configuration option for a Controller.
type Option func(*Opts)

// WithRecorder persists finished runs.
func WithRecorder(r RunRecorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithTimeouts overrides the per-operation deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(o *Opts) { o.Timeouts = t }
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithTransitionHook registers a phase change observer.
func WithTransitionHook(h TransitionHook) Option {
	return func(o *Opts) { o.OnTransition = h }
}

// WithContext sets the parent context of every remote call. Cancelling it behaves like Close
// for calls already in flight.
func WithContext(ctx context.Context) Option {
	return func(o *Opts) { o.Context = ctx }
}
