// Package version implements the append-only revision store backing student
// uploads. Each (course, assignment, author, kind) bucket owns a strictly
// linear chain of immutable revisions over a content-addressed blob arena.
// Buckets are exclusively owned by one author, so no merges can ever occur.
package version

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxFileCount   = 50
	defaultHistoryLimit   = 10
	defaultArchiveTimeout = 10 * time.Second
)

// Config holds store settings.
type Config struct {
	// MaxFileCount caps changed/added paths per commit. A commit over the
	// cap is rejected and the working tree soft-reset to the head revision.
	MaxFileCount int

	// HistoryLimit bounds the revisions returned to external callers.
	HistoryLimit int

	// Archive, when set, persists blobs and manifests write-through so a
	// restarted node can serve old revisions.
	Archive        *BlobArchive
	ArchiveTimeout time.Duration
}

// Store manages revision buckets.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	blobMu sync.RWMutex
	blobs  map[string][]byte

	maxFileCount   int
	historyLimit   int
	archive        *BlobArchive
	archiveTimeout time.Duration
}

type bucket struct {
	// mu serializes commits for one author's artifact: stage, size guard
	// and commit happen under a single critical section.
	mu        sync.Mutex
	path      string
	revisions []*Revision
	byID      map[RevisionID]*Revision
	working   map[string]string
}

// NewStore creates a version store.
func NewStore(cfg Config) *Store {
	if cfg.MaxFileCount <= 0 {
		cfg.MaxFileCount = defaultMaxFileCount
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	return &Store{
		buckets:        make(map[string]*bucket),
		blobs:          make(map[string][]byte),
		maxFileCount:   cfg.MaxFileCount,
		historyLimit:   cfg.HistoryLimit,
		archive:        cfg.Archive,
		archiveTimeout: cfg.ArchiveTimeout,
	}
}

// BucketPath builds the storage key for one author's artifact of one kind.
// Embedding the author id is what guarantees single-writer buckets.
func BucketPath(courseID, assignmentTitle, authorID, kind string) string {
	return fmt.Sprintf("%s/%s/%s_%s", courseID, assignmentTitle, authorID, kind)
}

// Commit stages the given changes on top of the working tree and records a
// new revision. It fails with NoChanges when the resulting file set equals
// the head revision's, and with TooManyFiles (after soft-resetting the
// working tree to head) when the number of changed or added paths exceeds
// the configured cap.
func (s *Store) Commit(ctx context.Context, bucketPath string, changes []FileChange, author Identity) (RevisionID, error) {
	if bucketPath == "" {
		return "", appErr.ValidationError("bucketPath", "required")
	}
	b, err := s.bucket(ctx, bucketPath)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate every path before staging anything, so a bad change
	// cannot leave the working tree half mutated.
	for _, change := range changes {
		if change.Path == "" {
			return "", appErr.ValidationError("path", "required")
		}
	}
	staged := make(map[string][]byte, len(changes))
	for _, change := range changes {
		hash := hashBlob(change.Content)
		b.working[change.Path] = hash
		staged[hash] = change.Content
	}
	s.putBlobs(staged)

	head := b.head()
	headTree := map[string]string{}
	if head != nil {
		headTree = head.Tree
	}

	if equalTrees(b.working, headTree) {
		return "", appErr.New(appErr.NoChanges)
	}

	if changedPaths(b.working, headTree) > s.maxFileCount {
		// Soft reset: the author's view must stay consistent with head.
		b.working = copyTree(headTree)
		return "", appErr.Newf(appErr.TooManyFiles, "more than %d files changed", s.maxFileCount)
	}

	now := time.Now().UTC()
	rev := &Revision{
		Parent:    parentID(head),
		Seq:       len(b.revisions),
		Author:    author,
		CreatedAt: now,
		Tree:      copyTree(b.working),
	}
	rev.ID = revisionID(rev.Parent, author, now, rev.Tree)

	b.revisions = append(b.revisions, rev)
	b.byID[rev.ID] = rev

	s.archiveRevision(ctx, b.path, rev, staged)
	return rev.ID, nil
}

// RemoveFile stages a deletion; the next Commit records it.
func (s *Store) RemoveFile(ctx context.Context, bucketPath, path string) error {
	b, err := s.bucket(ctx, bucketPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.working[path]; !ok {
		return appErr.Newf(appErr.FileNotFound, "%s not in working tree", path)
	}
	delete(b.working, path)
	return nil
}

// ResetToRevision discards uncommitted working-tree state, restoring exactly
// the file set of the given revision.
func (s *Store) ResetToRevision(ctx context.Context, bucketPath string, id RevisionID) error {
	b, err := s.lookupBucket(ctx, bucketPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rev, ok := b.byID[id]
	if !ok {
		return appErr.Newf(appErr.RevisionNotFound, "revision %s not in bucket %s", id, bucketPath)
	}
	b.working = copyTree(rev.Tree)
	return nil
}

// ReadFile returns the content of one file at the given revision. An empty
// revision id reads from the head revision.
func (s *Store) ReadFile(ctx context.Context, bucketPath string, id RevisionID, path string) ([]byte, error) {
	rev, err := s.Resolve(ctx, bucketPath, id)
	if err != nil {
		return nil, err
	}
	hash, ok := rev.Tree[path]
	if !ok {
		return nil, appErr.Newf(appErr.FileNotFound, "%s not in revision %s", path, rev.ID)
	}

	s.blobMu.RLock()
	content, ok := s.blobs[hash]
	s.blobMu.RUnlock()
	if ok {
		return content, nil
	}

	if s.archive == nil {
		return nil, appErr.Newf(appErr.FileNotFound, "blob %s missing", hash)
	}
	content, err = s.archive.GetBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.blobMu.Lock()
	s.blobs[hash] = content
	s.blobMu.Unlock()
	return content, nil
}

// ListFiles returns the sorted paths in the given revision. An empty revision
// id lists the head revision.
func (s *Store) ListFiles(ctx context.Context, bucketPath string, id RevisionID) ([]string, error) {
	rev, err := s.Resolve(ctx, bucketPath, id)
	if err != nil {
		return nil, err
	}
	return rev.Files(), nil
}

// History returns the bucket's revisions most-recent-first, bounded by the
// configured history limit.
func (s *Store) History(ctx context.Context, bucketPath string) ([]*Revision, error) {
	b, err := s.lookupBucket(ctx, bucketPath)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	count := len(b.revisions)
	if count > s.historyLimit {
		count = s.historyLimit
	}
	out := make([]*Revision, 0, count)
	for i := len(b.revisions) - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, b.revisions[i])
	}
	return out, nil
}

// Head returns the bucket's head revision, or RevisionNotFound when the
// bucket has no commits yet.
func (s *Store) Head(ctx context.Context, bucketPath string) (*Revision, error) {
	b, err := s.lookupBucket(ctx, bucketPath)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	head := b.head()
	if head == nil {
		return nil, appErr.Newf(appErr.RevisionNotFound, "bucket %s has no revisions", bucketPath)
	}
	return head, nil
}

// Resolve returns the revision with the given id, or the head revision when
// id is empty.
func (s *Store) Resolve(ctx context.Context, bucketPath string, id RevisionID) (*Revision, error) {
	b, err := s.lookupBucket(ctx, bucketPath)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		head := b.head()
		if head == nil {
			return nil, appErr.Newf(appErr.RevisionNotFound, "bucket %s has no revisions", bucketPath)
		}
		return head, nil
	}
	rev, ok := b.byID[id]
	if !ok {
		return nil, appErr.Newf(appErr.RevisionNotFound, "revision %s not in bucket %s", id, bucketPath)
	}
	return rev, nil
}

// bucket returns the bucket for the path, creating it lazily on first use.
// A freshly created bucket is hydrated from the archive when one is
// configured, so a restarted node picks up its persisted history.
func (s *Store) bucket(ctx context.Context, bucketPath string) (*bucket, error) {
	s.mu.Lock()
	b, ok := s.buckets[bucketPath]
	if ok {
		s.mu.Unlock()
		return b, nil
	}
	b = &bucket{
		path:    bucketPath,
		byID:    make(map[RevisionID]*Revision),
		working: make(map[string]string),
	}
	s.buckets[bucketPath] = b
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.hydrate(ctx, b); err != nil {
			logger.Warn(ctx, "hydrate bucket from archive failed",
				zap.String("bucket", bucketPath), zap.Error(err))
		}
	}
	return b, nil
}

// lookupBucket finds an existing bucket, falling back to archive hydration
// so reads work on a node that never saw the bucket's commits. A bucket
// that exists nowhere stays missing.
func (s *Store) lookupBucket(ctx context.Context, bucketPath string) (*bucket, error) {
	s.mu.Lock()
	b, ok := s.buckets[bucketPath]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	if s.archive == nil {
		return nil, appErr.Newf(appErr.BucketMissing, "bucket %s does not exist", bucketPath)
	}

	b, err := s.bucket(ctx, bucketPath)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	hydrated := len(b.revisions) > 0
	b.mu.Unlock()
	if !hydrated {
		s.mu.Lock()
		delete(s.buckets, bucketPath)
		s.mu.Unlock()
		return nil, appErr.Newf(appErr.BucketMissing, "bucket %s does not exist", bucketPath)
	}
	return b, nil
}

// hydrate rebuilds a bucket's chain by walking parent links back from the
// archived head manifest.
func (s *Store) hydrate(ctx context.Context, b *bucket) error {
	head, err := s.archive.GetHead(ctx, b.path)
	if err != nil || head == "" {
		return err
	}

	var chain []*Revision
	for id := head; id != ""; {
		rev, err := s.archive.GetManifest(ctx, b.path, id)
		if err != nil {
			return err
		}
		chain = append(chain, rev)
		id = rev.Parent
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.revisions) > 0 {
		return nil
	}
	for i := len(chain) - 1; i >= 0; i-- {
		rev := chain[i]
		b.revisions = append(b.revisions, rev)
		b.byID[rev.ID] = rev
	}
	if head := b.head(); head != nil {
		b.working = copyTree(head.Tree)
	}
	return nil
}

func (s *Store) putBlobs(staged map[string][]byte) {
	if len(staged) == 0 {
		return
	}
	s.blobMu.Lock()
	for hash, content := range staged {
		if _, ok := s.blobs[hash]; !ok {
			s.blobs[hash] = content
		}
	}
	s.blobMu.Unlock()
}

// archiveRevision writes blobs, manifest and head pointer through to the
// archive. Archive failures are logged, not surfaced: the in-memory commit
// already succeeded and re-archiving happens on the next commit.
func (s *Store) archiveRevision(ctx context.Context, bucketPath string, rev *Revision, staged map[string][]byte) {
	if s.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, s.archiveTimeout)
	defer cancel()

	for hash, content := range staged {
		if err := s.archive.PutBlob(actx, hash, content); err != nil {
			logger.Warn(ctx, "archive blob failed", zap.String("hash", hash), zap.Error(err))
		}
	}
	if err := s.archive.PutManifest(actx, bucketPath, rev); err != nil {
		logger.Warn(ctx, "archive manifest failed", zap.String("revision", string(rev.ID)), zap.Error(err))
	}
	if err := s.archive.PutHead(actx, bucketPath, rev.ID); err != nil {
		logger.Warn(ctx, "archive head failed", zap.String("bucket", bucketPath), zap.Error(err))
	}
}

func (b *bucket) head() *Revision {
	if len(b.revisions) == 0 {
		return nil
	}
	return b.revisions[len(b.revisions)-1]
}

func parentID(head *Revision) RevisionID {
	if head == nil {
		return ""
	}
	return head.ID
}

func equalTrees(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for path, hash := range a {
		if other, ok := b[path]; !ok || other != hash {
			return false
		}
	}
	return true
}

// changedPaths counts paths added or modified relative to the head tree.
// Deletions do not count against the cap.
func changedPaths(working, head map[string]string) int {
	count := 0
	for path, hash := range working {
		if other, ok := head[path]; !ok || other != hash {
			count++
		}
	}
	return count
}

func copyTree(tree map[string]string) map[string]string {
	out := make(map[string]string, len(tree))
	for path, hash := range tree {
		out[path] = hash
	}
	return out
}
