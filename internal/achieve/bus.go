// Package achieve unlocks achievements in response to pipeline events. The
// bus is a typed pub/sub: achievements register against an event type, and
// each publish evaluates only the candidates the author has not unlocked yet.
package achieve

import (
	"context"
	"sync"

	"codetier/pkg/utils/logger"

	"go.uber.org/zap"
)

// EventType names one pipeline event.
type EventType string

const (
	// EventSolutionProcessed fires after a solution's scores are recorded.
	EventSolutionProcessed EventType = "solution:processed"
	// EventTestCaseProcessed fires after a test case finishes validation.
	EventTestCaseProcessed EventType = "testcase:processed"
)

// Event is one published occurrence.
type Event struct {
	Type            EventType
	CourseID        string
	AssignmentTitle string
	AuthorID        string

	// Facts carries event-specific values checks look at, such as the
	// score fraction or pass streaks.
	Facts map[string]float64
}

// CheckFunc decides whether an achievement unlocks for an event. Checks for
// different achievements may run concurrently; a check must not mutate the
// event.
type CheckFunc func(ctx context.Context, e Event) bool

// Achievement is one registered unlockable.
type Achievement struct {
	ID    string
	Event EventType
	Check CheckFunc
}

// Repository persists unlocks.
type Repository interface {
	// Unlocked returns the author's unlocked achievement ids.
	Unlocked(ctx context.Context, authorID string) (map[string]bool, error)

	// Unlock records one unlock. It is idempotent and reports whether this
	// call created the record.
	Unlock(ctx context.Context, authorID, achievementID string) (bool, error)
}

// Bus evaluates achievements per event. Publishes for the same author are
// serialized, so two racing events cannot both unlock the same achievement;
// the repository upsert stays idempotent as the last line of defense against
// another node racing the same author.
type Bus struct {
	repo Repository

	mu       sync.RWMutex
	byEvent  map[EventType][]Achievement
	authorMu sync.Mutex
	authors  map[string]*sync.Mutex
}

// NewBus creates a bus.
func NewBus(repo Repository) *Bus {
	return &Bus{
		repo:    repo,
		byEvent: make(map[EventType][]Achievement),
		authors: make(map[string]*sync.Mutex),
	}
}

// Register adds an achievement to its event type.
func (b *Bus) Register(a Achievement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byEvent[a.Event] = append(b.byEvent[a.Event], a)
}

// Publish evaluates the event against every not-yet-unlocked achievement of
// its type and returns the ids newly unlocked by this call.
func (b *Bus) Publish(ctx context.Context, e Event) ([]string, error) {
	b.mu.RLock()
	registered := b.byEvent[e.Type]
	b.mu.RUnlock()
	if len(registered) == 0 {
		return nil, nil
	}

	lock := b.authorLock(e.AuthorID)
	lock.Lock()
	defer lock.Unlock()

	unlocked, err := b.repo.Unlocked(ctx, e.AuthorID)
	if err != nil {
		return nil, err
	}
	var candidates []Achievement
	for _, a := range registered {
		if !unlocked[a.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	passed := runChecks(ctx, candidates, e)
	if len(passed) == 0 {
		return nil, nil
	}

	// Re-read before persisting: a check can take long enough for another
	// node to have unlocked some of these in the meantime.
	unlocked, err = b.repo.Unlocked(ctx, e.AuthorID)
	if err != nil {
		return nil, err
	}

	var newlyUnlocked []string
	for _, a := range passed {
		if unlocked[a.ID] {
			continue
		}
		created, err := b.repo.Unlock(ctx, e.AuthorID, a.ID)
		if err != nil {
			return newlyUnlocked, err
		}
		if created {
			logger.Info(ctx, "achievement unlocked",
				zap.String("author_id", e.AuthorID), zap.String("achievement", a.ID))
			newlyUnlocked = append(newlyUnlocked, a.ID)
		}
	}
	return newlyUnlocked, nil
}

func runChecks(ctx context.Context, candidates []Achievement, e Event) []Achievement {
	results := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, a := range candidates {
		wg.Add(1)
		go func(i int, a Achievement) {
			defer wg.Done()
			results[i] = a.Check(ctx, e)
		}(i, a)
	}
	wg.Wait()

	var passed []Achievement
	for i, ok := range results {
		if ok {
			passed = append(passed, candidates[i])
		}
	}
	return passed
}

func (b *Bus) authorLock(authorID string) *sync.Mutex {
	b.authorMu.Lock()
	defer b.authorMu.Unlock()
	lock, ok := b.authors[authorID]
	if !ok {
		lock = &sync.Mutex{}
		b.authors[authorID] = lock
	}
	return lock
}
