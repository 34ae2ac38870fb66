// Package compress provides the pluggable compression backends for the
// Run Reporter's JSON snapshots.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4"
)

// Kinds accepted by Compress; "" is treated as "none".
const (
	None   = "none"
	Gzip   = "gzip"
	Snappy = "snappy"
	LZ4    = "lz4"
	Zstd   = "zstd"
)

// Compress encodes data with the named algorithm and returns the result
// along with the file extension a Run Reporter key should carry.
func Compress(kind string, data []byte) ([]byte, string, error) {
	switch kind {
	case "", None:
		return data, "json", nil
	case Gzip:
		var buf bytes.Buffer
		w := pgzip.NewWriter(&buf)
		if err := writeAndClose(w, data); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "json.gz", nil
	case Snappy:
		return snappy.Encode(nil, data), "json.snappy", nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := writeAndClose(w, data); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "json.lz4", nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), "json.zst", nil
	default:
		return nil, "", fmt.Errorf("compress: unknown algorithm %q", kind)
	}
}

type writeCloser interface {
	io.Writer
	Close() error
}

func writeAndClose(w writeCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}
