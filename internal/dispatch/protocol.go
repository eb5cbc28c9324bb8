package dispatch

import (
	"encoding/base64"
	"fmt"

	"codetier/internal/sandbox"
)

// Wire messages between the hub and runner agents. Every frame is one JSON
// envelope; the Type field decides which optional fields are set.
const (
	msgHello  = "hello"  // agent -> hub: announce identity and capacity
	msgAssign = "assign" // hub -> agent: run this job
	msgAck    = "ack"    // agent -> hub: job accepted, cancel the grace timer
	msgResult = "result" // agent -> hub: job verdict
)

type envelope struct {
	Type     string             `json:"type"`
	AgentID  string             `json:"agent_id,omitempty"`
	Capacity int                `json:"capacity,omitempty"`
	JobID    string             `json:"job_id,omitempty"`
	Job      *jobPayload        `json:"job,omitempty"`
	Result   *sandbox.JobResult `json:"result,omitempty"`
}

// jobPayload is a sandbox.Job with file contents base64-encoded for JSON
// transport.
type jobPayload struct {
	ID            string            `json:"id"`
	Image         string            `json:"image"`
	SolutionFiles map[string]string `json:"solution_files"`
	TestCaseFiles map[string]string `json:"testcase_files"`
}

func toPayload(job sandbox.Job) *jobPayload {
	return &jobPayload{
		ID:            job.ID,
		Image:         job.Image,
		SolutionFiles: encodeFileSet(job.SolutionFiles),
		TestCaseFiles: encodeFileSet(job.TestCaseFiles),
	}
}

func (p *jobPayload) toJob() (sandbox.Job, error) {
	solution, err := decodeFileSet(p.SolutionFiles)
	if err != nil {
		return sandbox.Job{}, fmt.Errorf("decode solution files: %w", err)
	}
	testCases, err := decodeFileSet(p.TestCaseFiles)
	if err != nil {
		return sandbox.Job{}, fmt.Errorf("decode test case files: %w", err)
	}
	return sandbox.Job{
		ID:            p.ID,
		Image:         p.Image,
		SolutionFiles: solution,
		TestCaseFiles: testCases,
	}, nil
}

func encodeFileSet(files map[string][]byte) map[string]string {
	out := make(map[string]string, len(files))
	for path, content := range files {
		out[path] = base64.StdEncoding.EncodeToString(content)
	}
	return out
}

func decodeFileSet(files map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(files))
	for path, encoded := range files {
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[path] = content
	}
	return out, nil
}
