package models

// KeyIngredient describes the headline ingredient of a product. The parts are individually
// optional but travel together: a product either has a descriptor or it does not.
type KeyIngredient struct {
	Name   *string  `json:"name,omitempty"`
	Amount *float64 `json:"amount,omitempty"`
	Unit   *string  `json:"unit,omitempty"`
}

// CandidateProduct is one item returned by the candidate search. Only Name is required.
type CandidateProduct struct {
	Name             string         `json:"name"`
	Brand            *string        `json:"brand,omitempty"`
	KeyIngredient    *KeyIngredient `json:"key_ingredient,omitempty"`
	PricePerMonthKRW *int64         `json:"price_per_month_krw,omitempty"`
	CapsuleType      *string        `json:"capsule_type,omitempty"`
	CapsuleCount     *int           `json:"capsule_count,omitempty"`
	DailyDose        *string        `json:"daily_dose,omitempty"`
	PurchaseURL      *string        `json:"purchase_url,omitempty"`
}

// CloneProducts copies a candidate set. A nil set stays nil so "absent" survives the copy.
func CloneProducts(in []CandidateProduct) []CandidateProduct {
	if in == nil {
		return nil
	}
	out := make([]CandidateProduct, len(in))
	copy(out, in)
	return out
}
