package flow

import (
	"time"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// FlowError is the fatal error surfaced after a clarify or recommend failure.
type FlowError struct {
	Operation  models.Operation `json:"operation"`
	Message    string           `json:"message"`
	StatusCode int              `json:"status_code,omitempty"`
}

// Snapshot is a point-in-time copy of the flow state. Nothing in it aliases controller memory.
type Snapshot struct {
	Phase   models.Phase `json:"phase"`
	RunID   string       `json:"run_id,omitempty"`
	Version uint64       `json:"version"`

	// Input is the live run's input. Draft is the input of a run that failed, kept for prefill and Retry.
	Input *models.InitialInput `json:"input,omitempty"`
	Draft *models.InitialInput `json:"draft,omitempty"`

	Questions       []models.ClarifyQuestion  `json:"questions,omitempty"`
	Candidates      []models.CandidateProduct `json:"candidates,omitempty"`
	CandidatesReady bool                      `json:"candidates_ready"`
	Answers         models.AnswerMap          `json:"answers"`
	Result          *models.RankedResult      `json:"result,omitempty"`
	EmptyResult     bool                      `json:"empty_result"`
	Error           *FlowError                `json:"error,omitempty"`

	StartedAt *time.Time    `json:"started_at,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// snapshotLocked copies the live state. c.mu must be held.
func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:           c.phase,
		RunID:           c.runID,
		Version:         c.version,
		Candidates:      models.CloneProducts(c.candidates),
		CandidatesReady: c.candidates != nil,
		Answers:         c.answers.Clone(),
	}
	if c.input != nil {
		in := c.input.Normalized()
		s.Input = &in
	}
	if c.draft != nil {
		d := c.draft.Normalized()
		s.Draft = &d
	}
	if c.phase == models.PhaseClarifying && c.pending != nil {
		s.Questions = cloneQuestions(c.pending.Questions)
	}
	if c.phase == models.PhaseResult && c.result != nil {
		s.Result = cloneResult(c.result)
		s.EmptyResult = c.result.IsEmpty()
	}
	if c.err != nil {
		e := *c.err
		s.Error = &e
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		s.StartedAt = &started
		end := c.finishedAt
		if end.IsZero() {
			end = c.now()
		}
		s.Elapsed = end.Sub(c.startedAt)
	}
	return s
}

func cloneQuestions(in []models.ClarifyQuestion) []models.ClarifyQuestion {
	out := make([]models.ClarifyQuestion, len(in))
	for i, q := range in {
		q.Options = append([]string(nil), q.Options...)
		out[i] = q
	}
	return out
}

// cloneResult copies the entry slice. Entries themselves are never mutated after the gateway builds them.
func cloneResult(r *models.RankedResult) *models.RankedResult {
	out := *r
	out.Ranked = make([]models.RankedEntry, len(r.Ranked))
	copy(out.Ranked, r.Ranked)
	return &out
}
