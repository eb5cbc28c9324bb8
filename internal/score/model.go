// Package score fans submissions out against test cases, records immutable
// score rows, and drives test case validation.
package score

import (
	"time"

	"codetier/internal/sandbox"
)

// Score is one immutable grading outcome: a solution revision crossed with a
// test case revision. Rows are only ever appended; a re-run writes a newer
// row instead of touching the old one, so history is auditable.
type Score struct {
	ID              string
	CourseID        string
	AssignmentTitle string

	SolutionAuthor   string
	SolutionRevision string
	TestCaseAuthor   string
	TestCaseRevision string

	Status      sandbox.Status
	Pass        bool
	TestsTotal  int
	TestsPassed int

	CreatedAt time.Time
}

// AuthorAggregate counts, per solution author, the latest verdict against
// each test case author. A pair contributes 1 to Total on a full pass and 0
// otherwise, so Total/Count is the author's pass ratio.
type AuthorAggregate struct {
	AuthorID    string
	AuthorEmail string
	Total       float64
	Count       int
}
