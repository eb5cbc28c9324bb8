package version

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"codetier/internal/common/storage"
	appErr "codetier/pkg/errors"
)

var testAuthor = Identity{AuthorID: "author-1", Email: "author-1@example.com"}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Config{MaxFileCount: 5, HistoryLimit: 10})
}

func commitOne(t *testing.T, s *Store, bucket string, changes []FileChange) RevisionID {
	t.Helper()
	id, err := s.Commit(context.Background(), bucket, changes, testAuthor)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return id
}

func TestCommitAndReadFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	id := commitOne(t, s, bucket, []FileChange{
		{Path: "main.py", Content: []byte("print('hi')")},
		{Path: "util.py", Content: []byte("pass")},
	})

	content, err := s.ReadFile(context.Background(), bucket, id, "main.py")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "print('hi')" {
		t.Errorf("ReadFile() = %q, want %q", content, "print('hi')")
	}

	files, err := s.ListFiles(context.Background(), bucket, "")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 || files[0] != "main.py" || files[1] != "util.py" {
		t.Errorf("ListFiles() = %v, want [main.py util.py]", files)
	}
}

func TestCommitBadPathLeavesWorkingTreeUntouched(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})

	_, err := s.Commit(context.Background(), bucket, []FileChange{
		{Path: "extra.py", Content: []byte("staged first")},
		{Path: "", Content: []byte("bad")},
	}, testAuthor)
	if appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("Commit() code = %d, want ValidationFailed", appErr.GetCode(err))
	}

	// Nothing from the rejected batch may linger: re-committing the head
	// file set must still read as no changes.
	_, err = s.Commit(context.Background(), bucket, []FileChange{
		{Path: "main.py", Content: []byte("v1")},
	}, testAuthor)
	if appErr.GetCode(err) != appErr.NoChanges {
		t.Errorf("Commit() after rejected batch code = %d, want NoChanges", appErr.GetCode(err))
	}
}

func TestCommitNoChanges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	// Nothing staged on a fresh bucket.
	_, err := s.Commit(context.Background(), bucket, nil, testAuthor)
	if appErr.GetCode(err) != appErr.NoChanges {
		t.Fatalf("Commit() code = %d, want NoChanges", appErr.GetCode(err))
	}

	commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})

	// Identical file set to head.
	_, err = s.Commit(context.Background(), bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}}, testAuthor)
	if appErr.GetCode(err) != appErr.NoChanges {
		t.Fatalf("Commit() code = %d, want NoChanges", appErr.GetCode(err))
	}

	// Changed content is a real commit.
	if _, err := s.Commit(context.Background(), bucket, []FileChange{{Path: "main.py", Content: []byte("v2")}}, testAuthor); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestCommitTooManyFilesLeavesHeadUnchanged(t *testing.T) {
	t.Parallel()
	s := NewStore(Config{MaxFileCount: 2, HistoryLimit: 10})
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	head := commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})

	oversized := []FileChange{
		{Path: "a.py", Content: []byte("a")},
		{Path: "b.py", Content: []byte("b")},
		{Path: "c.py", Content: []byte("c")},
	}
	_, err := s.Commit(context.Background(), bucket, oversized, testAuthor)
	if appErr.GetCode(err) != appErr.TooManyFiles {
		t.Fatalf("Commit() code = %d, want TooManyFiles", appErr.GetCode(err))
	}

	got, err := s.Head(context.Background(), bucket)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if got.ID != head {
		t.Errorf("head = %s, want %s unchanged after rejected commit", got.ID, head)
	}

	// The working tree was reset: re-committing head's file set is a no-op.
	_, err = s.Commit(context.Background(), bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}}, testAuthor)
	if appErr.GetCode(err) != appErr.NoChanges {
		t.Errorf("Commit() after reset code = %d, want NoChanges", appErr.GetCode(err))
	}

	history, err := s.History(context.Background(), bucket)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Errorf("History() len = %d, want 1", len(history))
	}
}

func TestRemoveFileStagesDeletion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	commitOne(t, s, bucket, []FileChange{
		{Path: "main.py", Content: []byte("v1")},
		{Path: "old.py", Content: []byte("old")},
	})

	if err := s.RemoveFile(context.Background(), bucket, "old.py"); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if err := s.RemoveFile(context.Background(), bucket, "missing.py"); appErr.GetCode(err) != appErr.FileNotFound {
		t.Fatalf("RemoveFile(missing) code = %d, want FileNotFound", appErr.GetCode(err))
	}

	id := commitOne(t, s, bucket, nil)
	files, err := s.ListFiles(context.Background(), bucket, id)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 || files[0] != "main.py" {
		t.Errorf("ListFiles() = %v, want [main.py]", files)
	}
}

func TestResetToRevision(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	first := commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})
	commitOne(t, s, bucket, []FileChange{{Path: "extra.py", Content: []byte("x")}})

	if err := s.ResetToRevision(context.Background(), bucket, first); err != nil {
		t.Fatalf("ResetToRevision() error = %v", err)
	}
	// Working tree matches the first revision again.
	_, err := s.Commit(context.Background(), bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}}, testAuthor)
	if appErr.GetCode(err) != appErr.NoChanges {
		t.Errorf("Commit() after reset code = %d, want NoChanges", appErr.GetCode(err))
	}

	if err := s.ResetToRevision(context.Background(), bucket, "deadbeef"); appErr.GetCode(err) != appErr.RevisionNotFound {
		t.Errorf("ResetToRevision(unknown) code = %d, want RevisionNotFound", appErr.GetCode(err))
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()
	s := NewStore(Config{MaxFileCount: 10, HistoryLimit: 3})
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	var ids []RevisionID
	for _, content := range []string{"v1", "v2", "v3", "v4", "v5"} {
		ids = append(ids, commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte(content)}}))
	}

	history, err := s.History(context.Background(), bucket)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("History() len = %d, want 3", len(history))
	}
	for i, rev := range history {
		want := ids[len(ids)-1-i]
		if rev.ID != want {
			t.Errorf("History()[%d] = %s, want %s", i, rev.ID, want)
		}
	}
}

func TestLinearChain(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	first := commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})
	second := commitOne(t, s, bucket, []FileChange{{Path: "main.py", Content: []byte("v2")}})

	rev, err := s.Resolve(context.Background(), bucket, second)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rev.Parent != first {
		t.Errorf("parent = %s, want %s", rev.Parent, first)
	}
	if rev.Seq != 1 {
		t.Errorf("seq = %d, want 1", rev.Seq)
	}
}

func TestBucketMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.History(context.Background(), "nope")
	if appErr.GetCode(err) != appErr.BucketMissing {
		t.Errorf("History() code = %d, want BucketMissing", appErr.GetCode(err))
	}
}

func TestConcurrentCommitsStayLinear(t *testing.T) {
	t.Parallel()
	s := NewStore(Config{MaxFileCount: 100, HistoryLimit: 100})
	bucket := BucketPath("course-1", "a1", "author-1", "solution")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			content := bytes.Repeat([]byte{byte('a' + n%26)}, n+1)
			_, err := s.Commit(context.Background(), bucket, []FileChange{{Path: "main.py", Content: content}}, testAuthor)
			if err != nil && appErr.GetCode(err) != appErr.NoChanges {
				t.Errorf("Commit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := s.History(context.Background(), bucket)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	seen := make(map[RevisionID]bool)
	for i, rev := range history {
		if seen[rev.ID] {
			t.Fatalf("duplicate revision %s", rev.ID)
		}
		seen[rev.ID] = true
		if i+1 < len(history) && rev.Parent != history[i+1].ID {
			t.Errorf("chain broken at %d: parent %s != %s", i, rev.Parent, history[i+1].ID)
		}
	}
}

// fakeObjectStorage keeps archived objects in a map for archive round-trips.
type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: make(map[string][]byte)}
}

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeObjectStorage) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = body
	return nil
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, io.ErrUnexpectedEOF
	}
	return storage.ObjectStat{SizeBytes: int64(len(body))}, nil
}

func (f *fakeObjectStorage) RemoveObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

func TestArchiveHydration(t *testing.T) {
	t.Parallel()
	objStore := newFakeObjectStorage()
	archive, err := NewBlobArchive(objStore, "codetier", "v1")
	if err != nil {
		t.Fatalf("NewBlobArchive() error = %v", err)
	}

	bucket := BucketPath("course-1", "a1", "author-1", "solution")
	first := NewStore(Config{MaxFileCount: 10, HistoryLimit: 10, Archive: archive})
	id1 := commitOne(t, first, bucket, []FileChange{{Path: "main.py", Content: []byte("v1")}})
	id2 := commitOne(t, first, bucket, []FileChange{{Path: "main.py", Content: []byte("v2")}})

	// A fresh store sharing the archive sees the full chain.
	second := NewStore(Config{MaxFileCount: 10, HistoryLimit: 10, Archive: archive})
	content, err := second.ReadFile(context.Background(), bucket, id1, "main.py")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "v1" {
		t.Errorf("ReadFile() = %q, want %q", content, "v1")
	}

	head, err := second.Head(context.Background(), bucket)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.ID != id2 {
		t.Errorf("head = %s, want %s", head.ID, id2)
	}

	history, err := second.History(context.Background(), bucket)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("History() len = %d, want 2", len(history))
	}
}
