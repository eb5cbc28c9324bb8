package score

import (
	"context"
	"time"

	"codetier/internal/common/db"
	appErr "codetier/pkg/errors"

	"github.com/google/uuid"
)

// MySQLRepository persists score rows in MySQL.
type MySQLRepository struct {
	database db.Database
}

// NewMySQLRepository creates a score repository.
func NewMySQLRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{database: database}
}

// Create appends one score row.
func (r *MySQLRepository) Create(ctx context.Context, s *Score) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()
	_, err := r.database.Exec(ctx,
		`INSERT INTO scores (id, course_id, assignment_title, solution_author, solution_revision,
			testcase_author, testcase_revision, status, pass, tests_total, tests_passed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CourseID, s.AssignmentTitle, s.SolutionAuthor, s.SolutionRevision,
		s.TestCaseAuthor, s.TestCaseRevision, s.Status, s.Pass, s.TestsTotal, s.TestsPassed, s.CreatedAt)
	if err != nil {
		return appErr.Wrap(err, appErr.ScoreCreateFailed)
	}
	return nil
}

// AuthorAggregates counts, per solution author, the latest verdict against
// each test case author. Older rows for the same pairing are superseded, not
// deleted, so only the row with the highest seq per pair counts, and only
// pairings whose test case is currently VALID contribute.
func (r *MySQLRepository) AuthorAggregates(ctx context.Context, courseID, assignmentTitle string) ([]AuthorAggregate, error) {
	rows, err := r.database.Query(ctx,
		`SELECT s.solution_author, COALESCE(a.author_email, ''),
			SUM(CASE WHEN s.pass THEN 1 ELSE 0 END), COUNT(*)
		 FROM scores s
		 JOIN (
			SELECT solution_author, testcase_author, MAX(seq) AS latest
			FROM scores
			WHERE course_id = ? AND assignment_title = ?
			GROUP BY solution_author, testcase_author
		 ) newest
			ON s.solution_author = newest.solution_author
			AND s.testcase_author = newest.testcase_author
			AND s.seq = newest.latest
		 JOIN artifacts tc
			ON tc.course_id = s.course_id AND tc.assignment_title = s.assignment_title
			AND tc.author_id = s.testcase_author AND tc.kind = 'testcase'
			AND tc.validity = 'VALID'
		 LEFT JOIN artifacts a
			ON a.course_id = s.course_id AND a.assignment_title = s.assignment_title
			AND a.author_id = s.solution_author AND a.kind = 'solution'
		 WHERE s.course_id = ? AND s.assignment_title = ?
		 GROUP BY s.solution_author, a.author_email`,
		courseID, assignmentTitle, courseID, assignmentTitle)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ScoreQueryFailed)
	}
	defer rows.Close()

	var out []AuthorAggregate
	for rows.Next() {
		var agg AuthorAggregate
		if err := rows.Scan(&agg.AuthorID, &agg.AuthorEmail, &agg.Total, &agg.Count); err != nil {
			return nil, appErr.Wrap(err, appErr.ScoreQueryFailed)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.ScoreQueryFailed)
	}
	return out, nil
}
