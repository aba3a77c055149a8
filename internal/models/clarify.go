package models

// QuestionKind selects how a clarification question is answered.
type QuestionKind string

const (
	// QuestionKindFreeText is answered with arbitrary text.
	QuestionKindFreeText QuestionKind = "free_text"
	// QuestionKindSingleChoice is answered by picking one of Options.
	QuestionKindSingleChoice QuestionKind = "single_choice"
)

// textKeySuffix marks the free-text elaboration that may accompany a single_choice answer.
const textKeySuffix = "__text"

// ClarifyQuestion is one server-issued follow-up question.
type ClarifyQuestion struct {
	ID      string       `json:"id"`
	Prompt  string       `json:"question"`
	Kind    QuestionKind `json:"kind"`
	Options []string     `json:"options,omitempty"`
}

// ClarifyResponse is an ordered batch of questions. An empty batch means no clarification is needed.
type ClarifyResponse struct {
	Questions []ClarifyQuestion `json:"questions"`
}

// IsEmpty reports whether the response asks nothing.
func (r *ClarifyResponse) IsEmpty() bool {
	return r == nil || len(r.Questions) == 0
}

// QuestionIDs lists the question identifiers in order.
func (r *ClarifyResponse) QuestionIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Questions))
	for _, q := range r.Questions {
		ids = append(ids, q.ID)
	}
	return ids
}

// AnswerMap maps question identifiers (or their TextKey variants) to answer values.
type AnswerMap map[string]string

// TextKey returns the key under which free-text elaboration for question id is stored.
func TextKey(id string) string {
	return id + textKeySuffix
}

// Clone returns an independent copy. A nil map clones to an empty one.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
