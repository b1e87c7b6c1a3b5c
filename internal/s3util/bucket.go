package s3util

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bucket binds the S3 client to the recording bucket and satisfies the
// coordinator's object store interface.
type Bucket struct {
	client *s3.Client
	name   string
}

// NewBucket creates a Bucket helper.
func NewBucket(client *s3.Client, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Fetch downloads an object to a temp file.
func (b *Bucket) Fetch(ctx context.Context, key string) (string, func(), error) {
	return DownloadToTempFile(ctx, b.client, b.name, key)
}

// List returns the keys under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	return ListKeys(ctx, b.client, b.name, prefix)
}
