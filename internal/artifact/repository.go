package artifact

import (
	"context"
	"database/sql"
	"time"

	"codetier/internal/common/db"
	appErr "codetier/pkg/errors"

	"github.com/google/uuid"
)

const artifactColumns = `id, course_id, assignment_title, author_id, author_email, role, kind,
	bucket_path, head_revision, validity, group_number, created_at, updated_at`

// Repository persists artifact metadata in MySQL.
type Repository struct {
	database db.Database
}

// NewRepository creates an artifact repository.
func NewRepository(database db.Database) *Repository {
	return &Repository{database: database}
}

// Create inserts a new artifact row. The id is generated when empty, and a
// test case starts PENDING.
func (r *Repository) Create(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Validity == "" {
		if a.Kind == KindTestCase {
			a.Validity = ValidityPending
		} else {
			a.Validity = ValidityValid
		}
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `INSERT INTO artifacts (` + artifactColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.database.Exec(ctx, query,
		a.ID, a.CourseID, a.AssignmentTitle, a.AuthorID, a.AuthorEmail, a.Role, a.Kind,
		a.BucketPath, a.HeadRevision, a.Validity, groupValue(a.GroupNumber), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return appErr.Wrap(err, appErr.RecordAlreadyExists)
		}
		return appErr.Wrap(err, appErr.ArtifactCreateFailed)
	}
	return nil
}

// GetByID fetches one artifact.
func (r *Repository) GetByID(ctx context.Context, id string) (*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ?`
	return r.scanOne(r.database.QueryRow(ctx, query, id))
}

// GetOwned fetches the artifact one author owns for an assignment and kind.
func (r *Repository) GetOwned(ctx context.Context, courseID, assignmentTitle, authorID string, kind Kind) (*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts
		WHERE course_id = ? AND assignment_title = ? AND author_id = ? AND kind = ?`
	return r.scanOne(r.database.QueryRow(ctx, query, courseID, assignmentTitle, authorID, kind))
}

// ListValidTestCases returns every VALID test case for an assignment.
func (r *Repository) ListValidTestCases(ctx context.Context, courseID, assignmentTitle string) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts
		WHERE course_id = ? AND assignment_title = ? AND kind = ? AND validity = ?
		ORDER BY created_at`
	return r.list(ctx, query, courseID, assignmentTitle, KindTestCase, ValidityValid)
}

// ListTestCases returns every test case for an assignment regardless of
// validity, for re-validation after a reference solution changes.
func (r *Repository) ListTestCases(ctx context.Context, courseID, assignmentTitle string) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts
		WHERE course_id = ? AND assignment_title = ? AND kind = ?
		ORDER BY created_at`
	return r.list(ctx, query, courseID, assignmentTitle, KindTestCase)
}

// ListSolutions returns every solution for an assignment uploaded by the
// given role.
func (r *Repository) ListSolutions(ctx context.Context, courseID, assignmentTitle string, role Role) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts
		WHERE course_id = ? AND assignment_title = ? AND kind = ? AND role = ?
		ORDER BY created_at`
	return r.list(ctx, query, courseID, assignmentTitle, KindSolution, role)
}

// SetHeadRevision records the bucket's new head after a successful commit.
func (r *Repository) SetHeadRevision(ctx context.Context, id, revision string) error {
	query := `UPDATE artifacts SET head_revision = ?, updated_at = ? WHERE id = ?`
	result, err := r.database.Exec(ctx, query, revision, time.Now().UTC(), id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return requireRow(result, id)
}

// SetValidity moves a test case through its lifecycle.
func (r *Repository) SetValidity(ctx context.Context, id string, validity Validity) error {
	query := `UPDATE artifacts SET validity = ?, updated_at = ? WHERE id = ?`
	result, err := r.database.Exec(ctx, query, validity, time.Now().UTC(), id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return requireRow(result, id)
}

// SetGroup assigns the artifact to a runner group. GroupUnassigned clears it.
func (r *Repository) SetGroup(ctx context.Context, id string, groupNumber int) error {
	query := `UPDATE artifacts SET group_number = ?, updated_at = ? WHERE id = ?`
	result, err := r.database.Exec(ctx, query, groupValue(groupNumber), time.Now().UTC(), id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return requireRow(result, id)
}

// Delete removes the artifact row. The bucket and its revisions stay in the
// version store.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.database.Exec(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return requireRow(result, id)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]*Artifact, error) {
	rows, err := r.database.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return out, nil
}

func (r *Repository) scanOne(row db.Row) (*Artifact, error) {
	a, err := scanArtifact(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.ArtifactNotFound)
		}
		return nil, err
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(s scanner) (*Artifact, error) {
	var a Artifact
	var group sql.NullInt64
	err := s.Scan(&a.ID, &a.CourseID, &a.AssignmentTitle, &a.AuthorID, &a.AuthorEmail, &a.Role, &a.Kind,
		&a.BucketPath, &a.HeadRevision, &a.Validity, &group, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, err
		}
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	a.GroupNumber = GroupUnassigned
	if group.Valid {
		a.GroupNumber = int(group.Int64)
	}
	return &a, nil
}

// groupValue maps the unassigned sentinel to NULL.
func groupValue(groupNumber int) interface{} {
	if groupNumber == GroupUnassigned {
		return nil
	}
	return groupNumber
}

func requireRow(result db.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	if affected == 0 {
		return appErr.Newf(appErr.ArtifactNotFound, "artifact %s not found", id)
	}
	return nil
}
