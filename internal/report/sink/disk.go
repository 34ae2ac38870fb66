package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Disk writes report snapshots under a local directory, one file per key
// (key may itself contain "/", e.g. "<run-id>/<unix-ts>.json.gz").
type Disk struct {
	dir string
}

// NewDisk returns a Disk sink rooted at dir.
func NewDisk(dir string) *Disk {
	return &Disk{dir: dir}
}

func (d *Disk) Put(_ context.Context, key string, r io.Reader) error {
	path := filepath.Join(d.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
