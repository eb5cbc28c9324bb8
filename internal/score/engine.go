package score

import (
	"context"
	"encoding/json"
	"time"

	"codetier/internal/achieve"
	"codetier/internal/artifact"
	"codetier/internal/common/mq"
	"codetier/internal/dispatch"
	"codetier/internal/sandbox"
	"codetier/internal/version"
	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultJobTimeout = 10 * time.Minute
	defaultScoreTopic = "codetier.scores"
)

// Repository persists and aggregates score rows.
type Repository interface {
	Create(ctx context.Context, s *Score) error
	AuthorAggregates(ctx context.Context, courseID, assignmentTitle string) ([]AuthorAggregate, error)
}

// ArtifactDirectory is the slice of the artifact repository the engine needs.
type ArtifactDirectory interface {
	ListValidTestCases(ctx context.Context, courseID, assignmentTitle string) ([]*artifact.Artifact, error)
	ListTestCases(ctx context.Context, courseID, assignmentTitle string) ([]*artifact.Artifact, error)
	ListSolutions(ctx context.Context, courseID, assignmentTitle string, role artifact.Role) ([]*artifact.Artifact, error)
	SetValidity(ctx context.Context, id string, validity artifact.Validity) error
}

// EventPublisher receives pipeline events, normally the achievement bus.
type EventPublisher interface {
	Publish(ctx context.Context, e achieve.Event) ([]string, error)
}

// EngineConfig holds engine settings.
type EngineConfig struct {
	// RunnerImage is the container image graded jobs run in.
	RunnerImage string `yaml:"runnerImage"`

	// ScoreTopic is the broker topic score events are mirrored to.
	ScoreTopic string `yaml:"scoreTopic"`

	// JobTimeout bounds how long the engine waits on one dispatched job.
	JobTimeout time.Duration `yaml:"jobTimeout"`
}

// Engine reacts to uploads: new solutions run against every valid test case,
// new test cases validate against the staff reference solutions and then run
// against every student solution. Each finished pair appends one immutable
// score row; a job that ends in ERROR appends nothing.
type Engine struct {
	store      *version.Store
	artifacts  ArtifactDirectory
	scores     Repository
	dispatcher dispatch.Dispatcher
	bus        EventPublisher
	producer   mq.Producer

	image      string
	topic      string
	jobTimeout time.Duration
}

// NewEngine creates an engine. The producer is optional; everything else is
// required.
func NewEngine(store *version.Store, artifacts ArtifactDirectory, scores Repository,
	dispatcher dispatch.Dispatcher, bus EventPublisher, producer mq.Producer, cfg EngineConfig) (*Engine, error) {
	if store == nil || artifacts == nil || scores == nil || dispatcher == nil || bus == nil {
		return nil, appErr.New(appErr.InvalidParams).WithDetail("reason", "missing engine dependency")
	}
	if cfg.RunnerImage == "" {
		return nil, appErr.ValidationError("runnerImage", "required")
	}
	if cfg.ScoreTopic == "" {
		cfg.ScoreTopic = defaultScoreTopic
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Engine{
		store:      store,
		artifacts:  artifacts,
		scores:     scores,
		dispatcher: dispatcher,
		bus:        bus,
		producer:   producer,
		image:      cfg.RunnerImage,
		topic:      cfg.ScoreTopic,
		jobTimeout: cfg.JobTimeout,
	}, nil
}

// OnNewSubmission grades a freshly committed solution against every valid
// test case of its assignment.
func (e *Engine) OnNewSubmission(ctx context.Context, solution *artifact.Artifact) error {
	testCases, err := e.artifacts.ListValidTestCases(ctx, solution.CourseID, solution.AssignmentTitle)
	if err != nil {
		return err
	}
	if len(testCases) == 0 {
		logger.Debug(ctx, "no valid test cases yet", zap.String("artifact_id", solution.ID))
		return nil
	}

	results, err := e.runPairs(ctx, []*artifact.Artifact{solution}, testCases, true)
	if err != nil {
		return err
	}

	var total float64
	var scored int
	for _, r := range results {
		if r.result.Scorable() {
			total += r.result.Score()
			scored++
		}
	}
	mean := 0.0
	if scored > 0 {
		mean = total / float64(scored)
	}
	e.publishEvent(ctx, achieve.Event{
		Type:            achieve.EventSolutionProcessed,
		CourseID:        solution.CourseID,
		AssignmentTitle: solution.AssignmentTitle,
		AuthorID:        solution.AuthorID,
		Facts:           map[string]float64{"score": mean, "scored": float64(scored)},
	})
	return nil
}

// OnNewTestCase validates a freshly committed test case against the staff
// reference solutions. A test case is VALID only if every reference solution
// passes it; a valid test case is then run against every student solution.
// With no reference solution to validate against, the test case stays
// PENDING but still fans out to the students.
func (e *Engine) OnNewTestCase(ctx context.Context, testCase *artifact.Artifact) error {
	staff, err := e.artifacts.ListSolutions(ctx, testCase.CourseID, testCase.AssignmentTitle, artifact.RoleStaff)
	if err != nil {
		return err
	}
	if len(staff) == 0 {
		logger.Debug(ctx, "no reference solutions yet", zap.String("artifact_id", testCase.ID))
		if err := e.fanOutToStudents(ctx, testCase); err != nil {
			return err
		}
		e.publishEvent(ctx, achieve.Event{
			Type:            achieve.EventTestCaseProcessed,
			CourseID:        testCase.CourseID,
			AssignmentTitle: testCase.AssignmentTitle,
			AuthorID:        testCase.AuthorID,
			Facts:           map[string]float64{"valid": 0},
		})
		return nil
	}

	results, err := e.runPairs(ctx, staff, []*artifact.Artifact{testCase}, false)
	if err != nil {
		return err
	}
	valid := len(results) > 0
	for _, r := range results {
		if r.result.Status != sandbox.StatusPass {
			valid = false
			break
		}
	}

	validity := artifact.ValidityInvalid
	if valid {
		validity = artifact.ValidityValid
	}
	if err := e.artifacts.SetValidity(ctx, testCase.ID, validity); err != nil {
		return err
	}
	logger.Info(ctx, "test case validated",
		zap.String("artifact_id", testCase.ID), zap.String("validity", string(validity)))

	if valid {
		if err := e.fanOutToStudents(ctx, testCase); err != nil {
			return err
		}
	}

	validFact := 0.0
	if valid {
		validFact = 1
	}
	e.publishEvent(ctx, achieve.Event{
		Type:            achieve.EventTestCaseProcessed,
		CourseID:        testCase.CourseID,
		AssignmentTitle: testCase.AssignmentTitle,
		AuthorID:        testCase.AuthorID,
		Facts:           map[string]float64{"valid": validFact},
	})
	return nil
}

// OnStaffSubmission re-validates every test case of the assignment against
// the updated reference solutions. Verdicts can flip in both directions, so
// PENDING and INVALID test cases get another chance and VALID ones are
// re-checked.
func (e *Engine) OnStaffSubmission(ctx context.Context, solution *artifact.Artifact) error {
	testCases, err := e.artifacts.ListTestCases(ctx, solution.CourseID, solution.AssignmentTitle)
	if err != nil {
		return err
	}
	for _, tc := range testCases {
		if err := e.OnNewTestCase(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// Revalidate marks every test case of the assignment PENDING again and runs
// it through validation from scratch, so earlier INVALID verdicts get another
// chance. Used after a runner image change. Score rows are append-only and
// jobs idempotent, so running this alongside organic uploads is safe.
func (e *Engine) Revalidate(ctx context.Context, courseID, assignmentTitle string) error {
	testCases, err := e.artifacts.ListTestCases(ctx, courseID, assignmentTitle)
	if err != nil {
		return err
	}
	for _, tc := range testCases {
		if err := e.artifacts.SetValidity(ctx, tc.ID, artifact.ValidityPending); err != nil {
			return err
		}
		if err := e.OnNewTestCase(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// fanOutToStudents runs one test case against every student solution,
// recording the verdicts.
func (e *Engine) fanOutToStudents(ctx context.Context, testCase *artifact.Artifact) error {
	students, err := e.artifacts.ListSolutions(ctx, testCase.CourseID, testCase.AssignmentTitle, artifact.RoleStudent)
	if err != nil {
		return err
	}
	_, err = e.runPairs(ctx, students, []*artifact.Artifact{testCase}, true)
	return err
}

// Aggregates exposes the per-author score aggregates for tier computation.
func (e *Engine) Aggregates(ctx context.Context, courseID, assignmentTitle string) ([]AuthorAggregate, error) {
	return e.scores.AuthorAggregates(ctx, courseID, assignmentTitle)
}

type pairResult struct {
	solution *artifact.Artifact
	testCase *artifact.Artifact
	result   sandbox.JobResult
}

// runPairs dispatches the full cross product and waits for every verdict.
// All jobs are submitted before any wait, so the dispatcher's queue, not
// this loop, bounds concurrency. Scorable verdicts are recorded when record
// is set; ERROR and empty verdicts are never recorded.
func (e *Engine) runPairs(ctx context.Context, solutions, testCases []*artifact.Artifact, record bool) ([]pairResult, error) {
	type pending struct {
		solution *artifact.Artifact
		testCase *artifact.Artifact
		future   *dispatch.Future
	}

	files := make(map[string]map[string][]byte)
	load := func(a *artifact.Artifact) (map[string][]byte, error) {
		if cached, ok := files[a.ID]; ok {
			return cached, nil
		}
		loaded, err := sandbox.LoadFiles(ctx, e.store, a.BucketPath, version.RevisionID(a.HeadRevision))
		if err != nil {
			return nil, err
		}
		files[a.ID] = loaded
		return loaded, nil
	}

	var submitted []pending
	for _, sol := range solutions {
		solutionFiles, err := load(sol)
		if err != nil {
			return nil, err
		}
		for _, tc := range testCases {
			testCaseFiles, err := load(tc)
			if err != nil {
				return nil, err
			}
			future, err := e.dispatcher.Submit(ctx, sandbox.Job{
				ID:            uuid.NewString(),
				Image:         e.image,
				SolutionFiles: solutionFiles,
				TestCaseFiles: testCaseFiles,
			})
			if err != nil {
				return nil, err
			}
			submitted = append(submitted, pending{solution: sol, testCase: tc, future: future})
		}
	}

	results := make([]pairResult, 0, len(submitted))
	for _, p := range submitted {
		waitCtx, cancel := context.WithTimeout(ctx, e.jobTimeout)
		result, err := p.future.Wait(waitCtx)
		cancel()
		if err != nil {
			result = sandbox.JobResult{Status: sandbox.StatusError, Message: "wait: " + err.Error()}
		}
		pr := pairResult{solution: p.solution, testCase: p.testCase, result: result}
		results = append(results, pr)
		if record && result.Scorable() {
			if err := e.recordScore(ctx, pr); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (e *Engine) recordScore(ctx context.Context, pr pairResult) error {
	s := &Score{
		CourseID:         pr.solution.CourseID,
		AssignmentTitle:  pr.solution.AssignmentTitle,
		SolutionAuthor:   pr.solution.AuthorID,
		SolutionRevision: pr.solution.HeadRevision,
		TestCaseAuthor:   pr.testCase.AuthorID,
		TestCaseRevision: pr.testCase.HeadRevision,
		Status:           pr.result.Status,
		Pass:             pr.result.Status == sandbox.StatusPass,
		TestsTotal:       pr.result.TestsTotal,
		TestsPassed:      pr.result.TestsPassed,
	}
	if err := e.scores.Create(ctx, s); err != nil {
		return err
	}
	e.mirrorScore(ctx, s)
	return nil
}

// mirrorScore publishes the score row to the broker. Mirroring is best
// effort: a broker outage must not fail grading.
func (e *Engine) mirrorScore(ctx context.Context, s *Score) {
	if e.producer == nil {
		return
	}
	body, err := json.Marshal(s)
	if err != nil {
		return
	}
	msg := mq.NewMessage(body)
	msg.ID = s.ID
	msg.SetHeader("event", "score.created")
	if err := e.producer.Publish(ctx, e.topic, msg); err != nil {
		logger.Warn(ctx, "score mirror failed", zap.String("score_id", s.ID), zap.Error(err))
	}
}

func (e *Engine) publishEvent(ctx context.Context, event achieve.Event) {
	if _, err := e.bus.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "achievement publish failed",
			zap.String("author_id", event.AuthorID), zap.Error(err))
	}
}
