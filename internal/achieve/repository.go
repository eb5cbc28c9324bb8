package achieve

import (
	"context"
	"time"

	"codetier/internal/common/db"
	appErr "codetier/pkg/errors"
)

// MySQLRepository persists unlocks in MySQL. Each row carries a seen flag so
// the frontend can badge freshly unlocked achievements.
type MySQLRepository struct {
	database db.Database
}

// NewMySQLRepository creates a repository.
func NewMySQLRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{database: database}
}

// Unlocked returns the author's unlocked achievement ids.
func (r *MySQLRepository) Unlocked(ctx context.Context, authorID string) (map[string]bool, error) {
	rows, err := r.database.Query(ctx,
		`SELECT achievement_id FROM achievements WHERE author_id = ?`, authorID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	unlocked := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		unlocked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return unlocked, nil
}

// Unlock inserts one unlock. A duplicate insert from a racing node is not an
// error, just not a new unlock.
func (r *MySQLRepository) Unlock(ctx context.Context, authorID, achievementID string) (bool, error) {
	_, err := r.database.Exec(ctx,
		`INSERT INTO achievements (author_id, achievement_id, unlocked_at, seen) VALUES (?, ?, ?, FALSE)`,
		authorID, achievementID, time.Now().UTC())
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return false, nil
		}
		return false, appErr.Wrap(err, appErr.AchievementPersistFailed)
	}
	return true, nil
}

// HasUnseen reports whether the author has unlocks they have not viewed.
func (r *MySQLRepository) HasUnseen(ctx context.Context, authorID string) (bool, error) {
	var count int
	err := r.database.QueryRow(ctx,
		`SELECT COUNT(*) FROM achievements WHERE author_id = ? AND seen = FALSE`, authorID).Scan(&count)
	if err != nil {
		return false, appErr.Wrap(err, appErr.DatabaseError)
	}
	return count > 0, nil
}

// MarkSeen clears the unseen flag on all of the author's unlocks.
func (r *MySQLRepository) MarkSeen(ctx context.Context, authorID string) error {
	_, err := r.database.Exec(ctx,
		`UPDATE achievements SET seen = TRUE WHERE author_id = ? AND seen = FALSE`, authorID)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}
