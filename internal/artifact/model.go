// Package artifact tracks submitted solutions and test cases: who uploaded
// them, where their revision bucket lives, and whether a test case has been
// validated against the reference solutions.
package artifact

import (
	"time"

	appErr "codetier/pkg/errors"
)

// Kind distinguishes the two artifact families a course member can upload.
type Kind string

const (
	KindSolution Kind = "solution"
	KindTestCase Kind = "testcase"
)

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSolution, KindTestCase:
		return Kind(s), nil
	}
	return "", appErr.Newf(appErr.InvalidArtifactKind, "unknown artifact kind %q", s)
}

// Validity is the lifecycle of a test case artifact. Solutions are always
// implicitly valid; test cases start PENDING and are judged against the
// staff reference solutions before they may score anyone.
type Validity string

const (
	ValidityPending Validity = "PENDING"
	ValidityValid   Validity = "VALID"
	ValidityInvalid Validity = "INVALID"
)

// Role separates staff artifacts (reference solutions, canonical test
// cases) from student ones.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
)

// GroupUnassigned is the sentinel for an artifact with no runner group.
// It is stored as NULL.
const GroupUnassigned = -1

// Artifact is one author's uploaded solution or test case for one
// assignment. The row is metadata only; file contents live in the version
// store bucket it points at.
type Artifact struct {
	ID              string
	CourseID        string
	AssignmentTitle string
	AuthorID        string
	AuthorEmail     string
	Role            Role
	Kind            Kind

	// BucketPath locates the revision bucket holding the files.
	BucketPath string
	// HeadRevision tracks the latest committed revision.
	HeadRevision string

	Validity    Validity
	GroupNumber int

	CreatedAt time.Time
	UpdatedAt time.Time
}
