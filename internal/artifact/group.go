package artifact

import (
	"context"

	"codetier/internal/common/db"
	appErr "codetier/pkg/errors"
)

// GroupRepository assigns authors to runner groups. Group numbers are
// monotonic per assignment: a new group is only opened once every existing
// group is at capacity, so numbers are dense and never reused.
type GroupRepository struct {
	database db.Database
}

// NewGroupRepository creates a group repository.
func NewGroupRepository(database db.Database) *GroupRepository {
	return &GroupRepository{database: database}
}

// AssignGroup returns the author's group for an assignment, joining the
// first group with a free slot or opening the next number. The lookup and
// insert run in one transaction so two concurrent joins cannot both fill
// the last slot.
func (g *GroupRepository) AssignGroup(ctx context.Context, courseID, assignmentTitle, authorID string, capacity int) (int, error) {
	if capacity <= 0 {
		return 0, appErr.ValidationError("capacity", "must be positive")
	}

	var assigned int
	err := g.database.Transaction(ctx, func(tx db.Transaction) error {
		var existing int
		err := tx.QueryRow(ctx,
			`SELECT group_number FROM assignment_groups
			 WHERE course_id = ? AND assignment_title = ? AND author_id = ? FOR UPDATE`,
			courseID, assignmentTitle, authorID).Scan(&existing)
		if err == nil {
			assigned = existing
			return nil
		}
		if !db.IsNoRows(err) {
			return appErr.Wrap(err, appErr.DatabaseError)
		}

		number, err := g.pickGroupLocked(ctx, tx, courseID, assignmentTitle, capacity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO assignment_groups (course_id, assignment_title, author_id, group_number)
			 VALUES (?, ?, ?, ?)`,
			courseID, assignmentTitle, authorID, number)
		if err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		assigned = number
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// Members lists the authors in one group.
func (g *GroupRepository) Members(ctx context.Context, courseID, assignmentTitle string, groupNumber int) ([]string, error) {
	rows, err := g.database.Query(ctx,
		`SELECT author_id FROM assignment_groups
		 WHERE course_id = ? AND assignment_title = ? AND group_number = ?
		 ORDER BY author_id`,
		courseID, assignmentTitle, groupNumber)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var authorID string
		if err := rows.Scan(&authorID); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		members = append(members, authorID)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	if len(members) == 0 {
		return nil, appErr.Newf(appErr.GroupNotFound, "group %d has no members", groupNumber)
	}
	return members, nil
}

func (g *GroupRepository) pickGroupLocked(ctx context.Context, tx db.Transaction, courseID, assignmentTitle string, capacity int) (int, error) {
	rows, err := tx.Query(ctx,
		`SELECT group_number, COUNT(*) FROM assignment_groups
		 WHERE course_id = ? AND assignment_title = ?
		 GROUP BY group_number ORDER BY group_number FOR UPDATE`,
		courseID, assignmentTitle)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	next := 0
	for rows.Next() {
		var number, count int
		if err := rows.Scan(&number, &count); err != nil {
			return 0, appErr.Wrap(err, appErr.DatabaseError)
		}
		if count < capacity {
			return number, nil
		}
		if number >= next {
			next = number + 1
		}
	}
	if err := rows.Err(); err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError)
	}
	return next, nil
}
