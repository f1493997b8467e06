package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/types"
)

// ObjectSnapshots keeps snapshot payloads in an S3 compatible bucket, framed
// with codec.MarshalSnapshotBinary.
type ObjectSnapshots struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectSnapshots constructs a blob store writing under snapshots/.
func NewObjectSnapshots(client *minio.Client, bucket string) *ObjectSnapshots {
	return &ObjectSnapshots{client: client, bucket: bucket, prefix: "snapshots"}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (o *ObjectSnapshots) EnsureBucket(ctx context.Context, region string) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (o *ObjectSnapshots) PutSnapshot(ctx context.Context, snapshot types.SnapshotEnvelope) (string, error) {
	if o.client == nil {
		return "", fmt.Errorf("object storage client not configured")
	}
	data := codec.MarshalSnapshotBinary(snapshot)
	key := o.objectKey(snapshot)
	if _, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return key, nil
}

func (o *ObjectSnapshots) GetSnapshot(ctx context.Context, key string) (types.SnapshotEnvelope, error) {
	if o.client == nil {
		return types.SnapshotEnvelope{}, fmt.Errorf("object storage client not configured")
	}
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return types.SnapshotEnvelope{}, fmt.Errorf("fetch snapshot %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return types.SnapshotEnvelope{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return codec.UnmarshalSnapshotBinary(data)
}

func (o *ObjectSnapshots) objectKey(snapshot types.SnapshotEnvelope) string {
	return fmt.Sprintf("%s/%s/%s/%020d.bin", o.prefix, snapshot.ScopeType, snapshot.ScopeID, snapshot.Version)
}
