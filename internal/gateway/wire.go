package gateway

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// inputPayload is the body shared by all three operations. The budget encodes as null when absent.
type inputPayload struct {
	SupplementType    string `json:"supplement_type"`
	BudgetKRWPerMonth *int64 `json:"budget_krw_per_month"`
	TargetAndConcerns string `json:"target_and_concerns"`
}

func newInputPayload(in models.InitialInput) inputPayload {
	return inputPayload{
		SupplementType:    in.SupplementType,
		BudgetKRWPerMonth: in.BudgetKRWPerMonth,
		TargetAndConcerns: in.TargetAndConcerns,
	}
}

type recommendPayload struct {
	inputPayload
	Answers  models.AnswerMap `json:"answers"`
	Products []wireProduct    `json:"products,omitempty"`
}

type wireProduct struct {
	ProductName      string   `json:"product_name"`
	Brand            *string  `json:"brand,omitempty"`
	KeyIngredient    *string  `json:"key_ingredient,omitempty"`
	IngredientAmount *float64 `json:"ingredient_amount,omitempty"`
	IngredientUnit   *string  `json:"ingredient_unit,omitempty"`
	PricePerMonthKRW *int64   `json:"price_per_month_krw,omitempty"`
	CapsuleType      *string  `json:"capsule_type,omitempty"`
	CapsuleCount     *int     `json:"capsule_count,omitempty"`
	DailyDose        *string  `json:"daily_dose,omitempty"`
	PurchaseURL      *string  `json:"purchase_url,omitempty"`
}

func newWireProduct(p models.CandidateProduct) wireProduct {
	w := wireProduct{
		ProductName:      p.Name,
		Brand:            p.Brand,
		PricePerMonthKRW: p.PricePerMonthKRW,
		CapsuleType:      p.CapsuleType,
		CapsuleCount:     p.CapsuleCount,
		DailyDose:        p.DailyDose,
		PurchaseURL:      p.PurchaseURL,
	}
	if ki := p.KeyIngredient; ki != nil {
		w.KeyIngredient = ki.Name
		w.IngredientAmount = ki.Amount
		w.IngredientUnit = ki.Unit
	}
	return w
}

func (w wireProduct) toModel() models.CandidateProduct {
	p := models.CandidateProduct{
		Name:             strings.TrimSpace(w.ProductName),
		Brand:            w.Brand,
		PricePerMonthKRW: w.PricePerMonthKRW,
		CapsuleType:      w.CapsuleType,
		CapsuleCount:     w.CapsuleCount,
		DailyDose:        w.DailyDose,
		PurchaseURL:      w.PurchaseURL,
	}
	if w.KeyIngredient != nil || w.IngredientAmount != nil || w.IngredientUnit != nil {
		p.KeyIngredient = &models.KeyIngredient{
			Name:   w.KeyIngredient,
			Amount: w.IngredientAmount,
			Unit:   w.IngredientUnit,
		}
	}
	return p
}

type searchResponse struct {
	Products []wireProduct `json:"products"`
	Items    []wireProduct `json:"items"`
}

type wireQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Kind     string   `json:"kind"`
	Options  []string `json:"options"`
}

type clarifyResponse struct {
	Questions []wireQuestion `json:"questions"`
}

func (r clarifyResponse) toModel() (*models.ClarifyResponse, error) {
	out := &models.ClarifyResponse{Questions: make([]models.ClarifyQuestion, 0, len(r.Questions))}
	seen := make(map[string]bool, len(r.Questions))
	for i, wq := range r.Questions {
		id := strings.TrimSpace(wq.ID)
		if id == "" {
			id = fmt.Sprintf("q%d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate question id %q", id)
		}
		seen[id] = true

		q := models.ClarifyQuestion{
			ID:     id,
			Prompt: wq.Question,
			Kind:   models.QuestionKindFreeText,
		}
		if wq.Kind == string(models.QuestionKindSingleChoice) && len(wq.Options) > 0 {
			q.Kind = models.QuestionKindSingleChoice
			q.Options = append([]string(nil), wq.Options...)
		}
		out.Questions = append(out.Questions, q)
	}
	return out, nil
}

type wireInsight struct {
	ProductName         string   `json:"product_name"`
	Pros                []string `json:"pros"`
	Cons                []string `json:"cons"`
	BrandTrustScore     *int     `json:"brand_trust_score_0to100"`
	BrandTrustSummary   *string  `json:"brand_trust_summary"`
	BrandTrustSummaryKR *string  `json:"brand_trust_summary_kr"`
	ReviewSentiment     *int     `json:"review_sentiment_0to100"`
	ReviewSummary       *string  `json:"review_summary"`
	ReviewSummaryKR     *string  `json:"review_summary_kr"`
	SafetyFlags         []string `json:"safety_flags"`
	Notes               *string  `json:"notes"`
}

func (w *wireInsight) toModel() *models.ProductInsight {
	if w == nil {
		return nil
	}
	in := &models.ProductInsight{
		ProductName:       w.ProductName,
		Pros:              nonNil(w.Pros),
		Cons:              nonNil(w.Cons),
		BrandTrustScore:   w.BrandTrustScore,
		BrandTrustSummary: firstNonNil(w.BrandTrustSummary, w.BrandTrustSummaryKR),
		ReviewSentiment:   w.ReviewSentiment,
		ReviewSummary:     firstNonNil(w.ReviewSummary, w.ReviewSummaryKR),
		SafetyFlags:       nonNil(w.SafetyFlags),
		Notes:             w.Notes,
	}
	return in
}

type wireRanked struct {
	Rank    int          `json:"rank"`
	Product wireProduct  `json:"product"`
	Insight *wireInsight `json:"insight"`
	Score   float64      `json:"score"`
	Summary *string      `json:"summary"`
}

type recommendResponse struct {
	Ranked              []wireRanked `json:"ranked"`
	FinalAdviceMarkdown *string      `json:"final_advice_markdown"`
}

func (r recommendResponse) toModel() *models.RankedResult {
	out := &models.RankedResult{
		Ranked:              make([]models.RankedEntry, 0, len(r.Ranked)),
		FinalAdviceMarkdown: r.FinalAdviceMarkdown,
	}
	for _, wr := range r.Ranked {
		out.Ranked = append(out.Ranked, models.RankedEntry{
			Rank:    wr.Rank,
			Product: wr.Product.toModel(),
			Insight: wr.Insight.toModel(),
			Score:   wr.Score,
			Summary: wr.Summary,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
