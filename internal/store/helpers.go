package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/PillPipe/internal/models"
)

// runColumns is the column list shared by every SELECT on the runs table.
const runColumns = `id, outcome, supplement_type, failed_operation, error, candidate_count, ranked_count,
	input_json, answers_json, result_json, started_at, finished_at, elapsed_ms`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// runRow holds the encoded column values of a RunRecord.
type runRow struct {
	inputJSON   string
	answersJSON string
	resultJSON  interface{}
	elapsedMS   int64
}

func encodeRun(rec *models.RunRecord) (runRow, error) {
	var row runRow
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return row, fmt.Errorf("failed to encode run input: %w", err)
	}
	answers := rec.Answers
	if answers == nil {
		answers = models.AnswerMap{}
	}
	ans, err := json.Marshal(answers)
	if err != nil {
		return row, fmt.Errorf("failed to encode run answers: %w", err)
	}
	row.inputJSON = string(input)
	row.answersJSON = string(ans)
	if rec.Result != nil {
		res, err := json.Marshal(rec.Result)
		if err != nil {
			return row, fmt.Errorf("failed to encode run result: %w", err)
		}
		row.resultJSON = string(res)
	}
	row.elapsedMS = rec.Elapsed.Milliseconds()
	return row, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun scans a RunRecord selected with runColumns.
func scanRun(sc rowScanner) (models.RunRecord, error) {
	var rec models.RunRecord
	var supplementType string
	var failedOp, errMsg, resultJSON sql.NullString
	var inputJSON, answersJSON string
	var elapsedMS int64
	err := sc.Scan(
		&rec.ID, &rec.Outcome, &supplementType, &failedOp, &errMsg, &rec.CandidateCount, &rec.RankedCount,
		&inputJSON, &answersJSON, &resultJSON, &rec.StartedAt, &rec.FinishedAt, &elapsedMS,
	)
	if err != nil {
		return rec, err
	}
	rec.FailedOperation = models.Operation(failedOp.String)
	rec.Error = errMsg.String
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if err := json.Unmarshal([]byte(inputJSON), &rec.Input); err != nil {
		return rec, fmt.Errorf("failed to decode input of run %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(answersJSON), &rec.Answers); err != nil {
		return rec, fmt.Errorf("failed to decode answers of run %s: %w", rec.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		rec.Result = &models.RankedResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), rec.Result); err != nil {
			return rec, fmt.Errorf("failed to decode result of run %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
