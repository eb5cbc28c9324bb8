package version

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"codetier/internal/common/storage"
	appErr "codetier/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// BlobArchive persists committed blobs and revision manifests to object
// storage so a restarted node can serve revisions that predate its in-memory
// arena. Blobs are zstd-compressed and keyed by their content hash, which
// makes writes idempotent across nodes.
type BlobArchive struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBlobArchive creates an archive rooted at prefix inside the given bucket.
func NewBlobArchive(objStorage storage.ObjectStorage, bucket, prefix string) (*BlobArchive, error) {
	if objStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &BlobArchive{
		storage: objStorage,
		bucket:  bucket,
		prefix:  prefix,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// PutBlob uploads one content-addressed blob. Re-uploading an existing hash
// overwrites it with identical bytes, so concurrent writers are safe.
func (a *BlobArchive) PutBlob(ctx context.Context, hash string, content []byte) error {
	compressed := a.encoder.EncodeAll(content, nil)
	key := a.blobKey(hash)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), "application/zstd"); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "archive blob %s failed", hash)
	}
	return nil
}

// GetBlob downloads and decompresses one blob, verifying its content hash.
func (a *BlobArchive) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, a.blobKey(hash))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FileNotFound, "blob %s not in archive", hash)
	}
	defer reader.Close()

	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "read archived blob %s failed", hash)
	}
	content, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BlobCorrupted, "decompress blob %s failed", hash)
	}
	if hashBlob(content) != hash {
		return nil, appErr.New(appErr.BlobCorrupted).WithDetail("hash", hash)
	}
	return content, nil
}

// PutManifest uploads one revision manifest for a bucket.
func (a *BlobArchive) PutManifest(ctx context.Context, bucketPath string, rev *Revision) error {
	body, err := json.Marshal(rev)
	if err != nil {
		return appErr.Wrap(err, appErr.ArchiveFailed)
	}
	key := a.manifestKey(bucketPath, rev.ID)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "archive manifest %s failed", rev.ID)
	}
	return nil
}

// PutHead records the bucket's current head revision id.
func (a *BlobArchive) PutHead(ctx context.Context, bucketPath string, head RevisionID) error {
	body := []byte(head)
	key := a.headKey(bucketPath)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "archive head for %s failed", bucketPath)
	}
	return nil
}

// GetHead fetches the bucket's archived head revision id, or "" when the
// bucket has never been archived.
func (a *BlobArchive) GetHead(ctx context.Context, bucketPath string) (RevisionID, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, a.headKey(bucketPath))
	if err != nil {
		return "", nil
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", appErr.Wrap(err, appErr.ArchiveFailed)
	}
	return RevisionID(bytes.TrimSpace(body)), nil
}

// GetManifest fetches one archived revision manifest.
func (a *BlobArchive) GetManifest(ctx context.Context, bucketPath string, id RevisionID) (*Revision, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, a.manifestKey(bucketPath, id))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RevisionNotFound, "manifest %s not in archive", id)
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ArchiveFailed)
	}
	var rev Revision
	if err := json.Unmarshal(body, &rev); err != nil {
		return nil, appErr.Wrapf(err, appErr.BlobCorrupted, "decode manifest %s failed", id)
	}
	return &rev, nil
}

func (a *BlobArchive) blobKey(hash string) string {
	return path.Join(a.prefix, "blobs", hash[:2], hash+".zst")
}

func (a *BlobArchive) manifestKey(bucketPath string, id RevisionID) string {
	return path.Join(a.prefix, "buckets", bucketPath, "revisions", string(id)+".json")
}

func (a *BlobArchive) headKey(bucketPath string) string {
	return path.Join(a.prefix, "buckets", bucketPath, "HEAD")
}
