package sink

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"

	minio "github.com/minio/minio-go"
	"github.com/pkg/errors"
)

// Minio uploads report snapshots to any S3-compatible endpoint via the
// MinIO client, distinct from the S3 sink so an operator can point this
// engine at an on-prem object store without AWS credentials.
type Minio struct {
	bucket string
	client *minio.Client
}

// NewMinio builds a Minio sink against endpoint for bucket, reading
// credentials from the conventional MINIO_ACCESS_KEY/MINIO_SECRET_KEY
// environment variables (the MinIO client has no ambient-credential
// chain of its own, unlike the AWS SDK).
func NewMinio(bucket, endpoint string) (*Minio, error) {
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	client, err := minio.New(endpoint, accessKey, secretKey, true)
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &Minio{bucket: bucket, client: client}, nil
}

func (m *Minio) Put(ctx context.Context, key string, r io.Reader) error {
	body, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "buffer report body")
	}
	_, err = m.client.PutObjectWithContext(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return errors.Wrap(err, "put object")
}
