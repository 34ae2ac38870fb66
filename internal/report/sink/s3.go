package sink

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

// S3 uploads report snapshots to an AWS S3 bucket.
type S3 struct {
	bucket string
	svc    *s3.S3
}

// NewS3 builds an S3 sink for bucket, optionally pointed at a
// non-default region/endpoint (the latter also covers S3-compatible
// services reachable without MinIO's client).
func NewS3(bucket, region, endpoint string) (*S3, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	return &S3{bucket: bucket, svc: s3.New(sess)}, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	body, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "buffer report body")
	}
	_, err = s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return errors.Wrap(err, "put object")
}
