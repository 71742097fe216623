package pdict

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCompressLevel is used when Options.CompressLevel is zero.
// Levels 1-3 are fast with modest savings; 4-9 trade CPU for size.
const DefaultCompressLevel = 6

// codec turns values into compressed msgpack blobs and back. Encoding is
// structural, so nested maps, slices and scalars round-trip without any
// type-specific logic.
type codec struct {
	level int
}

func (c codec) encode(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("compress level %d: %w", c.level, err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress value: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress value: %w", err)
	}
	return buf.Bytes(), nil
}

// decode is the inverse of encode. Nil or empty input leaves out untouched,
// representing a null value rather than an error.
func (c codec) decode(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if err := zr.Close(); err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	return nil
}
