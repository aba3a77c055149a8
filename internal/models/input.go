package models

import "strings"

// InitialInput is the seed data a user enters to start a run.
type InitialInput struct {
	SupplementType    string `json:"supplement_type"`
	BudgetKRWPerMonth *int64 `json:"budget_krw_per_month"`
	TargetAndConcerns string `json:"target_and_concerns"`
}

// Normalized returns a copy with surrounding whitespace trimmed and the budget pointer detached.
func (in InitialInput) Normalized() InitialInput {
	out := InitialInput{
		SupplementType:    strings.TrimSpace(in.SupplementType),
		TargetAndConcerns: strings.TrimSpace(in.TargetAndConcerns),
	}
	if in.BudgetKRWPerMonth != nil {
		b := *in.BudgetKRWPerMonth
		out.BudgetKRWPerMonth = &b
	}
	return out
}

// Validate checks the required fields. It returns a *ValidationError for the first problem found.
func (in InitialInput) Validate() error {
	if strings.TrimSpace(in.SupplementType) == "" {
		return &ValidationError{Field: "supplement_type", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.TargetAndConcerns) == "" {
		return &ValidationError{Field: "target_and_concerns", Reason: "must not be empty"}
	}
	if in.BudgetKRWPerMonth != nil && *in.BudgetKRWPerMonth < 0 {
		return &ValidationError{Field: "budget_krw_per_month", Reason: "must not be negative"}
	}
	return nil
}
