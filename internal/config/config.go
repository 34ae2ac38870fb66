// Package config loads mongoclone's JSON configuration file.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

const (
	// DefaultPath is used when no path is given on the command line.
	DefaultPath = "/etc/mongoclone/mongoclone.json"

	// infiniteRetrySeconds stands in for "effectively forever" when
	// mongo.access_attempt_s is non-positive.
	infiniteRetrySeconds = 3600 * 24 * 365 * 100
)

type mongoHosts struct {
	InSync    string `json:"in_sync"`
	OutOfSync string `json:"out_of_sync"`
}

type mongoConfig struct {
	Host                 mongoHosts `json:"host"`
	OplogSizeGB          float64    `json:"oplog_size_GB"`
	AccessAttemptS       float64    `json:"access_attempt_s"`
	WriteAcknowledgement int        `json:"write_acknowledgement"`
	WriteJ               bool       `json:"write_j"`
}

type internalConfig struct {
	Database              string  `json:"database"`
	MaximumSeeds          int     `json:"maximum_seeds"`
	Threads               int     `json:"threads"`
	TestWriteCollection   string  `json:"test_write_collection"`
	TestWriteSizeGB       float64 `json:"test_write_size_GB"`
	TestWriteDocumentByte int     `json:"test_write_document_bytes"`
}

// ReportConfig controls the periodic run-stat snapshot and its optional
// upload to an artifact sink. Defaulted off.
type ReportConfig struct {
	Enabled     bool   `json:"enabled"`
	IntervalS   int    `json:"interval_s"`
	Compression string `json:"compression"` // none|gzip|snappy|lz4|zstd
	Sink        string `json:"sink"`        // disk|s3|minio|azblob
	SinkPath    string `json:"sink_path"`
	SinkPrefix  string `json:"sink_prefix"`
	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	AzureAcct   string `json:"azure_account"`
}

// VersionGuardConfig toggles the cross-version check.
// Enabled is a pointer so that an absent key defaults to true while an
// explicit `"enabled": false` still turns the guard off.
type VersionGuardConfig struct {
	Enabled *bool `json:"enabled"`
}

// IsEnabled reports whether the version guard should run; defaults to true.
func (v VersionGuardConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// Config is the fully decoded configuration file.
type Config struct {
	Mongo        mongoConfig        `json:"mongo"`
	Internal     internalConfig     `json:"internal"`
	Report       ReportConfig       `json:"report"`
	VersionGuard VersionGuardConfig `json:"version_guard"`
	Development  bool               `json:"development"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	cfg := &Config{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Internal.MaximumSeeds <= 0 {
		c.Internal.MaximumSeeds = 1
	}
	if c.Report.IntervalS <= 0 {
		c.Report.IntervalS = 60
	}
	if c.Report.Compression == "" {
		c.Report.Compression = "none"
	}
	if c.Report.Sink == "" {
		c.Report.Sink = "disk"
	}
}

// MongoAccessAttemptSeconds returns the retry budget, translating a
// non-positive configured value into "effectively forever".
func (c *Config) MongoAccessAttemptSeconds() float64 {
	if c.Mongo.AccessAttemptS <= 0 {
		return infiniteRetrySeconds
	}
	return c.Mongo.AccessAttemptS
}
