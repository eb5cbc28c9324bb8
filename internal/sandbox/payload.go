package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"codetier/internal/version"
	appErr "codetier/pkg/errors"
)

// Job describes one graded run: a solution revision crossed with a test case
// revision, both already loaded out of the version store.
type Job struct {
	ID            string
	Image         string
	SolutionFiles map[string][]byte
	TestCaseFiles map[string][]byte
}

// LoadFiles reads every file of a revision from the version store. An empty
// revision id reads the bucket's head.
func LoadFiles(ctx context.Context, store *version.Store, bucketPath string, rev version.RevisionID) (map[string][]byte, error) {
	paths, err := store.ListFiles(ctx, bucketPath, rev)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(paths))
	for _, path := range paths {
		content, err := store.ReadFile(ctx, bucketPath, rev, path)
		if err != nil {
			return nil, err
		}
		files[path] = content
	}
	return files, nil
}

// encodeFiles serializes a file set as JSON of path to base64 content, the
// shape runner images expect in their environment.
func encodeFiles(files map[string][]byte) (string, error) {
	encoded := make(map[string]string, len(files))
	for path, content := range files {
		encoded[path] = base64.StdEncoding.EncodeToString(content)
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return "", appErr.Wrap(err, appErr.SandboxError)
	}
	return string(body), nil
}
