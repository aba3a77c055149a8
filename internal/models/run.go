package models

import "time"

// RunRecord is the persisted summary of one finished run.
type RunRecord struct {
	ID              string        `json:"id"`
	Input           InitialInput  `json:"input"`
	Answers         AnswerMap     `json:"answers"`
	Outcome         RunOutcome    `json:"outcome"`
	FailedOperation Operation     `json:"failed_operation,omitempty"`
	Error           string        `json:"error,omitempty"`
	CandidateCount  int           `json:"candidate_count"`
	RankedCount     int           `json:"ranked_count"`
	Result          *RankedResult `json:"result,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}
