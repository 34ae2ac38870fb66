// Package sink provides the Run Reporter's pluggable upload targets: a
// small interface with four implementations (disk, AWS S3, any
// S3-compatible endpoint via MinIO, Azure Blob Storage).
package sink

import (
	"context"
	"io"
)

// Sink uploads (or otherwise persists) one report snapshot under key.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader) error
}

// Config selects and parameterizes a Sink, matching the `report.*` keys
// in the configuration file.
type Config struct {
	Kind       string // disk|s3|minio|azblob
	Path       string // local directory, or bucket/container name
	S3Region   string
	S3Endpoint string
	AzureAcct  string
}

// New constructs the Sink named by cfg.Kind.
func New(cfg Config) (Sink, error) {
	switch cfg.Kind {
	case "", "disk":
		return NewDisk(cfg.Path), nil
	case "s3":
		return NewS3(cfg.Path, cfg.S3Region, cfg.S3Endpoint)
	case "minio":
		return NewMinio(cfg.Path, cfg.S3Endpoint)
	case "azblob":
		return NewAzure(cfg.AzureAcct, cfg.Path)
	default:
		return nil, errUnknownKind(cfg.Kind)
	}
}

type errUnknownKind string

func (e errUnknownKind) Error() string { return "sink: unknown kind " + string(e) }
