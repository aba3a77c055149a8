package models

import (
	"fmt"
	"sort"
)

// Score bounds for the insight's trust and sentiment scores.
const (
	MinInsightScore = 0
	MaxInsightScore = 100
)

// ProductInsight is the qualitative analysis attached to a ranked product.
type ProductInsight struct {
	ProductName       string   `json:"product_name"`
	Pros              []string `json:"pros"`
	Cons              []string `json:"cons"`
	BrandTrustScore   *int     `json:"brand_trust_score_0to100,omitempty"`
	BrandTrustSummary *string  `json:"brand_trust_summary,omitempty"`
	ReviewSentiment   *int     `json:"review_sentiment_0to100,omitempty"`
	ReviewSummary     *string  `json:"review_summary,omitempty"`
	SafetyFlags       []string `json:"safety_flags"`
	Notes             *string  `json:"notes,omitempty"`
}

// RankedEntry is one position in the final recommendation.
type RankedEntry struct {
	Rank    int              `json:"rank"`
	Product CandidateProduct `json:"product"`
	Insight *ProductInsight  `json:"insight,omitempty"`
	Score   float64          `json:"score"`
	Summary *string          `json:"summary,omitempty"`
}

// RankedResult is the outcome of a successful recommend call. It is never mutated after creation.
type RankedResult struct {
	Ranked              []RankedEntry `json:"ranked"`
	FinalAdviceMarkdown *string       `json:"final_advice_markdown,omitempty"`
}

// IsEmpty reports the empty-result anomaly: a successful call with nothing ranked.
func (r *RankedResult) IsEmpty() bool {
	return r == nil || len(r.Ranked) == 0
}

// Validate checks that ranks form a contiguous permutation of 1..N and that insight scores
// stay within [0,100].
func (r *RankedResult) Validate() error {
	if r == nil {
		return fmt.Errorf("ranked result is nil")
	}
	seen := make(map[int]bool, len(r.Ranked))
	for i, e := range r.Ranked {
		if e.Rank < 1 || e.Rank > len(r.Ranked) {
			return fmt.Errorf("entry %d: rank %d outside 1..%d", i, e.Rank, len(r.Ranked))
		}
		if seen[e.Rank] {
			return fmt.Errorf("entry %d: duplicate rank %d", i, e.Rank)
		}
		seen[e.Rank] = true
		if e.Product.Name == "" {
			return fmt.Errorf("entry %d: product name is empty", i)
		}
		if e.Insight != nil {
			if err := checkScore("brand_trust_score_0to100", e.Insight.BrandTrustScore); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			if err := checkScore("review_sentiment_0to100", e.Insight.ReviewSentiment); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
	}
	return nil
}

// SortByRank orders entries by ascending rank in place.
func (r *RankedResult) SortByRank() {
	sort.SliceStable(r.Ranked, func(i, j int) bool { return r.Ranked[i].Rank < r.Ranked[j].Rank })
}

// Ranks returns the ranks in entry order.
func (r *RankedResult) Ranks() []int {
	ranks := make([]int, 0, len(r.Ranked))
	for _, e := range r.Ranked {
		ranks = append(ranks, e.Rank)
	}
	return ranks
}

func checkScore(field string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < MinInsightScore || *v > MaxInsightScore {
		return fmt.Errorf("%s %d outside [%d,%d]", field, *v, MinInsightScore, MaxInsightScore)
	}
	return nil
}
