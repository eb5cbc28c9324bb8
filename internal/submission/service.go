// Package submission is the upload surface: it rate limits, commits files
// into the version store, keeps artifact rows current, and hands finished
// commits to the score engine.
package submission

import (
	"context"
	"fmt"
	"time"

	"codetier/internal/artifact"
	"codetier/internal/common/cache"
	"codetier/internal/score"
	"codetier/internal/tier"
	"codetier/internal/version"
	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes  = 8 << 20
	defaultRateLimitWindow = 10 * time.Second
	defaultGroupCapacity   = 30
)

// ArtifactStore is the slice of the artifact repository the service needs.
type ArtifactStore interface {
	Create(ctx context.Context, a *artifact.Artifact) error
	GetOwned(ctx context.Context, courseID, assignmentTitle, authorID string, kind artifact.Kind) (*artifact.Artifact, error)
	SetHeadRevision(ctx context.Context, id, revision string) error
	SetGroup(ctx context.Context, id string, groupNumber int) error
	Delete(ctx context.Context, id string) error
}

// GroupAssigner hands out runner group numbers and lists memberships.
type GroupAssigner interface {
	AssignGroup(ctx context.Context, courseID, assignmentTitle, authorID string, capacity int) (int, error)
	Members(ctx context.Context, courseID, assignmentTitle string, groupNumber int) ([]string, error)
}

// Grader is the slice of the score engine the service needs.
type Grader interface {
	OnNewSubmission(ctx context.Context, solution *artifact.Artifact) error
	OnNewTestCase(ctx context.Context, testCase *artifact.Artifact) error
	OnStaffSubmission(ctx context.Context, solution *artifact.Artifact) error
	Revalidate(ctx context.Context, courseID, assignmentTitle string) error
	Aggregates(ctx context.Context, courseID, assignmentTitle string) ([]score.AuthorAggregate, error)
}

// AchievementFlags tracks the per-author unseen-unlock marker.
type AchievementFlags interface {
	HasUnseen(ctx context.Context, authorID string) (bool, error)
	MarkSeen(ctx context.Context, authorID string) error
}

// ServiceConfig holds submission settings.
type ServiceConfig struct {
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	GroupCapacity   int           `yaml:"groupCapacity"`
}

// Service implements the upload pipeline.
type Service struct {
	store        *version.Store
	artifacts    ArtifactStore
	groups       GroupAssigner
	grader       Grader
	cache        cache.Cache
	achievements AchievementFlags

	maxUploadBytes  int64
	rateLimitWindow time.Duration
	groupCapacity   int
}

// NewService creates a submission service. groups and achievements may be
// nil; the matching endpoints then report nothing.
func NewService(store *version.Store, artifacts ArtifactStore, groups GroupAssigner,
	grader Grader, c cache.Cache, achievements AchievementFlags, cfg ServiceConfig) (*Service, error) {
	if store == nil || artifacts == nil || grader == nil || c == nil {
		return nil, appErr.New(appErr.InvalidParams).WithDetail("reason", "missing service dependency")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.GroupCapacity <= 0 {
		cfg.GroupCapacity = defaultGroupCapacity
	}
	return &Service{
		store:           store,
		artifacts:       artifacts,
		groups:          groups,
		grader:          grader,
		cache:           c,
		achievements:    achievements,
		maxUploadBytes:  cfg.MaxUploadBytes,
		rateLimitWindow: cfg.RateLimitWindow,
		groupCapacity:   cfg.GroupCapacity,
	}, nil
}

// UploadRequest is one upload of files into the author's artifact bucket.
type UploadRequest struct {
	CourseID        string
	AssignmentTitle string
	Author          version.Identity
	Role            artifact.Role
	Kind            artifact.Kind
	Files           []version.FileChange
}

// UploadResult reports the committed revision and the artifact it belongs to.
type UploadResult struct {
	Artifact *artifact.Artifact
	Revision version.RevisionID
}

// ProcessUpload runs the full pipeline: rate limit, commit, artifact row
// upkeep, then grading. Staff are exempt from the rate limit. A NoChanges
// or TooManyFiles commit surfaces unchanged so the caller can tell the
// author exactly what happened.
func (s *Service) ProcessUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.Role != artifact.RoleStaff {
		if err := s.checkRateLimit(ctx, req); err != nil {
			return nil, err
		}
	}

	bucket := version.BucketPath(req.CourseID, req.AssignmentTitle, req.Author.AuthorID, string(req.Kind))
	revision, err := s.store.Commit(ctx, bucket, req.Files, req.Author)
	if err != nil {
		return nil, err
	}

	a, err := s.ensureArtifact(ctx, req, bucket, revision)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "upload committed",
		zap.String("artifact_id", a.ID),
		zap.String("revision", string(revision)),
		zap.String("kind", string(req.Kind)))

	if err := s.grade(ctx, a); err != nil {
		logger.Error(ctx, "grading failed", zap.String("artifact_id", a.ID), zap.Error(err))
	}
	return &UploadResult{Artifact: a, Revision: revision}, nil
}

// RemoveFile stages a deletion in the author's working tree.
func (s *Service) RemoveFile(ctx context.Context, courseID, assignmentTitle string, author version.Identity, kind artifact.Kind, path string) error {
	bucket := version.BucketPath(courseID, assignmentTitle, author.AuthorID, string(kind))
	return s.store.RemoveFile(ctx, bucket, path)
}

// ResetWorkingTree discards the author's staged changes, restoring the
// working tree to the given revision (the head when empty).
func (s *Service) ResetWorkingTree(ctx context.Context, courseID, assignmentTitle string, author version.Identity, kind artifact.Kind, revisionID version.RevisionID) error {
	a, err := s.artifacts.GetOwned(ctx, courseID, assignmentTitle, author.AuthorID, kind)
	if err != nil {
		return err
	}
	rev, err := s.store.Resolve(ctx, a.BucketPath, revisionID)
	if err != nil {
		return err
	}
	return s.store.ResetToRevision(ctx, a.BucketPath, rev.ID)
}

// CommitInfo is one revision's view of an artifact.
type CommitInfo struct {
	Artifact *artifact.Artifact
	Revision *version.Revision
	Files    []string
	History  []*version.Revision
}

// GetCommit returns one revision of the author's artifact. An empty revision
// id reads the head. Unknown artifacts and revisions come back as typed
// not-found errors, never empty results.
func (s *Service) GetCommit(ctx context.Context, courseID, assignmentTitle, authorID string, kind artifact.Kind, revisionID version.RevisionID) (*CommitInfo, error) {
	a, err := s.artifacts.GetOwned(ctx, courseID, assignmentTitle, authorID, kind)
	if err != nil {
		return nil, err
	}
	rev, err := s.store.Resolve(ctx, a.BucketPath, revisionID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, a.BucketPath)
	if err != nil {
		return nil, err
	}
	return &CommitInfo{Artifact: a, Revision: rev, Files: rev.Files(), History: history}, nil
}

// GetTierlist computes the assignment tierlist as seen by one viewer. With
// anonymize unset, members appear under their real initials.
func (s *Service) GetTierlist(ctx context.Context, courseID, assignmentTitle, viewerID string, anonymize bool) (tier.Tierlist, error) {
	aggregates, err := s.grader.Aggregates(ctx, courseID, assignmentTitle)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.TierQueryFailed)
	}
	entries := make([]tier.Entry, 0, len(aggregates))
	for _, agg := range aggregates {
		entries = append(entries, tier.Entry{
			AuthorID:    agg.AuthorID,
			DisplayName: agg.AuthorEmail,
			Total:       agg.Total,
			Count:       agg.Count,
		})
	}
	return tier.ComputeTiers(entries, viewerID, anonymize), nil
}

// GroupInfo is the viewer's runner group and its members.
type GroupInfo struct {
	GroupNumber int      `json:"group_number"`
	Members     []string `json:"members"`
}

// GetGroup returns the author's runner group for an assignment. Authors
// without a solution artifact, or whose artifact was never grouped, get a
// GroupNotFound error.
func (s *Service) GetGroup(ctx context.Context, courseID, assignmentTitle, authorID string) (*GroupInfo, error) {
	if s.groups == nil {
		return nil, appErr.New(appErr.GroupNotFound)
	}
	a, err := s.artifacts.GetOwned(ctx, courseID, assignmentTitle, authorID, artifact.KindSolution)
	if err != nil {
		return nil, err
	}
	if a.GroupNumber == artifact.GroupUnassigned {
		return nil, appErr.Newf(appErr.GroupNotFound, "author %s has no group", authorID)
	}
	members, err := s.groups.Members(ctx, courseID, assignmentTitle, a.GroupNumber)
	if err != nil {
		return nil, err
	}
	return &GroupInfo{GroupNumber: a.GroupNumber, Members: members}, nil
}

// Revalidate re-runs test case validation and student grading for the whole
// assignment. Staff only; score rows are append-only so it is safe alongside
// organic uploads.
func (s *Service) Revalidate(ctx context.Context, courseID, assignmentTitle string, role artifact.Role) error {
	if role != artifact.RoleStaff {
		return appErr.New(appErr.Forbidden)
	}
	logger.Info(ctx, "revalidation requested",
		zap.String("course", courseID),
		zap.String("assignment", assignmentTitle))
	return s.grader.Revalidate(ctx, courseID, assignmentTitle)
}

// HasUnseenAchievements reports whether the author has unlocks they have not
// viewed yet.
func (s *Service) HasUnseenAchievements(ctx context.Context, authorID string) (bool, error) {
	if s.achievements == nil {
		return false, nil
	}
	return s.achievements.HasUnseen(ctx, authorID)
}

// MarkAchievementsSeen clears the author's unseen-unlock marker.
func (s *Service) MarkAchievementsSeen(ctx context.Context, authorID string) error {
	if s.achievements == nil {
		return nil
	}
	return s.achievements.MarkSeen(ctx, authorID)
}

// DeleteArtifact removes the author's artifact row. Revisions stay in the
// version store; only the metadata and its scores' visibility go away.
func (s *Service) DeleteArtifact(ctx context.Context, courseID, assignmentTitle, authorID string, kind artifact.Kind) error {
	a, err := s.artifacts.GetOwned(ctx, courseID, assignmentTitle, authorID, kind)
	if err != nil {
		return err
	}
	return s.artifacts.Delete(ctx, a.ID)
}

func (s *Service) validate(req UploadRequest) error {
	if req.CourseID == "" || req.AssignmentTitle == "" || req.Author.AuthorID == "" {
		return appErr.ValidationError("upload", "course, assignment and author are required")
	}
	if _, err := artifact.ParseKind(string(req.Kind)); err != nil {
		return err
	}
	if len(req.Files) == 0 {
		return appErr.New(appErr.ArtifactEmpty)
	}
	var total int64
	for _, f := range req.Files {
		total += int64(len(f.Content))
	}
	if total > s.maxUploadBytes {
		return appErr.Newf(appErr.UploadTooLarge, "upload of %d bytes exceeds %d", total, s.maxUploadBytes)
	}
	return nil
}

// checkRateLimit enforces one upload per window per author per assignment,
// atomically via SetNX so concurrent uploads on different nodes agree.
func (s *Service) checkRateLimit(ctx context.Context, req UploadRequest) error {
	key := fmt.Sprintf("upload:%s:%s:%s", req.CourseID, req.AssignmentTitle, req.Author.AuthorID)
	ok, err := s.cache.SetNX(ctx, key, time.Now().Unix(), s.rateLimitWindow)
	if err != nil {
		return appErr.Wrap(err, appErr.CacheError)
	}
	if !ok {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	return nil
}

func (s *Service) ensureArtifact(ctx context.Context, req UploadRequest, bucket string, revision version.RevisionID) (*artifact.Artifact, error) {
	a, err := s.artifacts.GetOwned(ctx, req.CourseID, req.AssignmentTitle, req.Author.AuthorID, req.Kind)
	if err == nil {
		a.HeadRevision = string(revision)
		return a, s.artifacts.SetHeadRevision(ctx, a.ID, string(revision))
	}
	if appErr.GetCode(err) != appErr.ArtifactNotFound {
		return nil, err
	}

	a = &artifact.Artifact{
		CourseID:        req.CourseID,
		AssignmentTitle: req.AssignmentTitle,
		AuthorID:        req.Author.AuthorID,
		AuthorEmail:     req.Author.Email,
		Role:            req.Role,
		Kind:            req.Kind,
		BucketPath:      bucket,
		HeadRevision:    string(revision),
		GroupNumber:     artifact.GroupUnassigned,
	}
	if err := s.artifacts.Create(ctx, a); err != nil {
		return nil, err
	}

	// Students join a runner group on their first solution upload.
	if s.groups != nil && req.Kind == artifact.KindSolution && req.Role == artifact.RoleStudent {
		group, err := s.groups.AssignGroup(ctx, req.CourseID, req.AssignmentTitle, req.Author.AuthorID, s.groupCapacity)
		if err != nil {
			logger.Warn(ctx, "group assignment failed", zap.String("artifact_id", a.ID), zap.Error(err))
		} else if err := s.artifacts.SetGroup(ctx, a.ID, group); err != nil {
			logger.Warn(ctx, "group persist failed", zap.String("artifact_id", a.ID), zap.Error(err))
		} else {
			a.GroupNumber = group
		}
	}
	return a, nil
}

func (s *Service) grade(ctx context.Context, a *artifact.Artifact) error {
	switch {
	case a.Kind == artifact.KindTestCase:
		return s.grader.OnNewTestCase(ctx, a)
	case a.Role == artifact.RoleStaff:
		return s.grader.OnStaffSubmission(ctx, a)
	default:
		return s.grader.OnNewSubmission(ctx, a)
	}
}
