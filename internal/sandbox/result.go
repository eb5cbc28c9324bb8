// Package sandbox runs graded jobs in throwaway containers and turns their
// stdout into structured results.
package sandbox

import "encoding/json"

// Status is the terminal state of one graded job.
type Status string

const (
	// StatusPass means every test case passed.
	StatusPass Status = "PASS"
	// StatusFail means at least one test case failed.
	StatusFail Status = "FAIL"
	// StatusError means the run produced no usable verdict: the container
	// crashed, timed out, or exited before printing a parseable result.
	StatusError Status = "ERROR"
	// StatusSolutionEmpty means the solution had no files to run.
	StatusSolutionEmpty Status = "SOLUTION_EMPTY"
	// StatusTestCaseEmpty means the test case had no files to run.
	StatusTestCaseEmpty Status = "TESTCASE_EMPTY"
)

// JobResult is the structured verdict of one sandboxed run. The runner image
// prints it as a single JSON line on stdout; everything else on stdout is
// noise and ignored.
type JobResult struct {
	Status      Status   `json:"status"`
	TestsTotal  int      `json:"tests_total,omitempty"`
	TestsPassed int      `json:"tests_passed,omitempty"`
	FailedNames []string `json:"failed_names,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// Score returns the pass fraction in [0, 1]. Non-verdict statuses score zero.
func (r JobResult) Score() float64 {
	switch r.Status {
	case StatusPass:
		return 1.0
	case StatusFail:
		if r.TestsTotal <= 0 {
			return 0
		}
		return float64(r.TestsPassed) / float64(r.TestsTotal)
	default:
		return 0
	}
}

// Scorable reports whether the result carries a real verdict. ERROR and the
// empty statuses must never be recorded as scores.
func (r JobResult) Scorable() bool {
	return r.Status == StatusPass || r.Status == StatusFail
}

func validStatus(s Status) bool {
	switch s {
	case StatusPass, StatusFail, StatusError, StatusSolutionEmpty, StatusTestCaseEmpty:
		return true
	}
	return false
}

// parseResult attempts to decode one stdout line as a JobResult. Lines that
// are not JSON, or that decode without a known status, are not results.
func parseResult(line []byte) (JobResult, bool) {
	var result JobResult
	if err := json.Unmarshal(line, &result); err != nil {
		return JobResult{}, false
	}
	if !validStatus(result.Status) {
		return JobResult{}, false
	}
	return result, true
}

func errorResult(message string) JobResult {
	return JobResult{Status: StatusError, Message: message}
}
