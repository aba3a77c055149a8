// Package answers merges clarification answers collected across rounds.
package answers

import (
	"sort"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// Merge returns a new map holding every key of existing overwritten by every key of incoming.
// Neither argument is modified. The merge never inspects question kinds.
func Merge(existing, incoming models.AnswerMap) models.AnswerMap {
	out := make(models.AnswerMap, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// Restrict keeps the answers whose key is a question ID from questions, or that ID's text variant.
// The dropped keys are returned sorted.
func Restrict(incoming models.AnswerMap, questions []models.ClarifyQuestion) (models.AnswerMap, []string) {
	allowed := make(map[string]struct{}, 2*len(questions))
	for _, q := range questions {
		allowed[q.ID] = struct{}{}
		allowed[models.TextKey(q.ID)] = struct{}{}
	}

	kept := make(models.AnswerMap, len(incoming))
	var dropped []string
	for k, v := range incoming {
		if _, ok := allowed[k]; ok {
			kept[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	sort.Strings(dropped)
	return kept, dropped
}
