package version

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// RevisionID identifies one immutable snapshot in a bucket's history.
type RevisionID string

// Identity names the author recorded on a commit.
type Identity struct {
	AuthorID string `json:"author_id"`
	Email    string `json:"email"`
}

// FileChange stages one file write for a commit. Content replaces the file
// at Path wholesale.
type FileChange struct {
	Path    string
	Content []byte
}

// Revision is one node in a bucket's linear history. Revisions are created
// only by a successful commit and never mutated afterwards.
type Revision struct {
	ID        RevisionID        `json:"id"`
	Parent    RevisionID        `json:"parent,omitempty"`
	Seq       int               `json:"seq"`
	Author    Identity          `json:"author"`
	CreatedAt time.Time         `json:"created_at"`
	Tree      map[string]string `json:"tree"` // path -> blob hash
}

// Files returns the sorted list of paths in the revision's tree.
func (r *Revision) Files() []string {
	paths := make([]string, 0, len(r.Tree))
	for path := range r.Tree {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// revisionID derives a content-addressed id from the revision's parent,
// author and tree. Two identical snapshots under different parents get
// distinct ids, which keeps the chain unambiguous.
func revisionID(parent RevisionID, author Identity, createdAt time.Time, tree map[string]string) RevisionID {
	h := sha256.New()
	fmt.Fprintf(h, "parent %s\n", parent)
	fmt.Fprintf(h, "author %s <%s>\n", author.AuthorID, author.Email)
	fmt.Fprintf(h, "time %d\n", createdAt.UnixNano())
	for _, path := range sortedKeys(tree) {
		fmt.Fprintf(h, "%s %s\n", tree[path], path)
	}
	return RevisionID(hex.EncodeToString(h.Sum(nil)))
}

func sortedKeys(tree map[string]string) []string {
	keys := make([]string, 0, len(tree))
	for key := range tree {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func hashBlob(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
