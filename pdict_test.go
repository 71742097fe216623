package pdict

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDict(t *testing.T, opts Options) *Dict[string] {
	t.Helper()
	d, err := Open[string](opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSetGetRoundTrip(t *testing.T) {
	d := newTestDict(t, Options{})

	ok, err := d.Contains("http://google.com/abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Set("http://google.com/abc", "<html>abc</html>"))

	ok, err = d.Contains("http://google.com/abc")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := d.Get("http://google.com/abc")
	require.NoError(t, err)
	assert.Equal(t, "<html>abc</html>", got)
}

func TestGetMissing(t *testing.T) {
	d := newTestDict(t, Options{})

	_, err := d.Get("absent")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrStale))
}

func TestSetReplacesValueAndMeta(t *testing.T) {
	d := newTestDict(t, Options{})

	require.NoError(t, d.Set("k", "one"))
	require.NoError(t, d.SetMeta("k", map[string]any{"source": "test"}))
	require.NoError(t, d.Set("k", "two"))

	got, err := d.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "two", got)

	// A full write resets metadata to an empty map.
	meta, err := d.Meta("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, meta)
}

func TestDeleteIsIdempotent(t *testing.T) {
	d := newTestDict(t, Options{})

	require.NoError(t, d.Set("k", "v"))
	require.NoError(t, d.Delete("k"))

	ok, err := d.Contains("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key does not fail.
	require.NoError(t, d.Delete("k"))
	require.NoError(t, d.Delete("never-existed"))
}

func TestMeta(t *testing.T) {
	d := newTestDict(t, Options{})

	require.NoError(t, d.Set("k", "v"))

	meta, err := d.Meta("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, meta)

	require.NoError(t, d.SetMeta("k", "annotation"))
	meta, err = d.Meta("k")
	require.NoError(t, err)
	assert.Equal(t, "annotation", meta)

	// Metadata writes leave the value alone.
	got, err := d.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	_, err = d.Meta("absent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetMetaMissingKeyCreatesNothing(t *testing.T) {
	d := newTestDict(t, Options{})

	require.NoError(t, d.SetMeta("ghost", "m"))

	n, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpiry(t *testing.T) {
	d := newTestDict(t, Options{ExpiresAfter: Expires(40 * time.Millisecond)})

	require.NoError(t, d.Set("k", "v"))

	ok, err := d.Contains("k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)

	ok, err = d.Contains("k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Get("k")
	assert.True(t, errors.Is(err, ErrStale))
	assert.False(t, errors.Is(err, ErrNotFound))

	// The stale row is not physically deleted and still enumerates.
	var keys []string
	for k := range d.Keys() {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"k"}, keys)

	// Metadata access ignores freshness entirely.
	meta, err := d.Meta("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, meta)

	// Writing again revives the key.
	require.NoError(t, d.Set("k", "v2"))
	got, err := d.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestZeroExpiryIsInstantlyStale(t *testing.T) {
	d := newTestDict(t, Options{ExpiresAfter: Expires(0)})

	require.NoError(t, d.Set("a", "x"))

	ok, err := d.Contains("a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Get("a")
	assert.True(t, errors.Is(err, ErrStale))
}

func TestFetch(t *testing.T) {
	d := newTestDict(t, Options{})

	_, ok, err := d.Fetch("u")
	require.NoError(t, err)
	assert.False(t, ok)

	before := time.Now()
	require.NoError(t, d.Set("u", "<html>a</html>"))

	entry, ok, err := d.Fetch("u")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>a</html>", entry.Value)
	assert.Equal(t, map[string]any{}, entry.Meta)
	assert.Equal(t, 0, entry.Status)
	assert.False(t, entry.Updated.Before(before))
}

func TestFetchStale(t *testing.T) {
	d := newTestDict(t, Options{ExpiresAfter: Expires(0)})

	require.NoError(t, d.Set("u", "v"))

	_, ok, err := d.Fetch("u")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysAndLen(t *testing.T) {
	d := newTestDict(t, Options{})

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, d.Set(k, "v"))
	}

	var keys []string
	for k := range d.Keys() {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)

	n, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClear(t *testing.T) {
	d := newTestDict(t, Options{})

	require.NoError(t, d.Set("a", "1"))
	require.NoError(t, d.Set("b", "2"))
	require.NoError(t, d.Clear())

	n, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ok, err := d.Contains("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStructuredValues(t *testing.T) {
	type page struct {
		Title string
		Tags  []string
	}
	d, err := Open[page](Options{})
	require.NoError(t, err)
	defer d.Close()

	in := page{Title: "home", Tags: []string{"a", "b"}}
	require.NoError(t, d.Set("p", in))

	got, err := d.Get("p")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestMergeSkipsFreshTargetKeys(t *testing.T) {
	target := newTestDict(t, Options{})
	source := newTestDict(t, Options{})

	require.NoError(t, target.Set("both", "target"))
	require.NoError(t, source.Set("both", "source"))
	require.NoError(t, source.Set("only", "source"))

	require.NoError(t, target.Merge(source, false))

	got, err := target.Get("both")
	require.NoError(t, err)
	assert.Equal(t, "target", got)

	got, err = target.Get("only")
	require.NoError(t, err)
	assert.Equal(t, "source", got)
}

func TestMergeOverride(t *testing.T) {
	target := newTestDict(t, Options{})
	source := newTestDict(t, Options{})

	require.NoError(t, target.Set("both", "target"))
	require.NoError(t, source.Set("both", "source"))
	require.NoError(t, source.Set("only", "source"))

	require.NoError(t, target.Merge(source, true))

	for _, k := range []string{"both", "only"} {
		got, err := target.Get(k)
		require.NoError(t, err)
		assert.Equal(t, "source", got)
	}
}

func TestMergeReplacesStaleTargetKeys(t *testing.T) {
	target := newTestDict(t, Options{ExpiresAfter: Expires(0)})
	source := newTestDict(t, Options{})

	require.NoError(t, target.Set("k", "old"))
	require.NoError(t, source.Set("k", "new"))

	require.NoError(t, target.Merge(source, false))

	// The target's freshness policy still applies to reads, so inspect the
	// row directly.
	row, err := target.index.read("k")
	require.NoError(t, err)

	var got string
	require.NoError(t, target.codec.decode(row.value, &got))
	assert.Equal(t, "new", got)
}

func TestExternalValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	d, err := Open[string](Options{Filename: path, ExternalValues: true})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set("k", "payload"))

	// The index row carries no inline value; the payload lives in the blob
	// store under the same key.
	row, err := d.index.read("k")
	require.NoError(t, err)
	assert.Nil(t, row.value)

	_, err = d.blobs.get("k")
	require.NoError(t, err)

	got, err := d.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "payload", got)

	entry, ok, err := d.Fetch("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", entry.Value)

	require.NoError(t, d.Delete("k"))
	_, err = d.blobs.get("k")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, d.Set("a", "1"))
	require.NoError(t, d.Clear())
	n, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = d.blobs.get("a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExternalValuesRequireFile(t *testing.T) {
	_, err := Open[string](Options{ExternalValues: true})
	require.Error(t, err)
}

func TestCompressLevelValidation(t *testing.T) {
	_, err := Open[string](Options{CompressLevel: 12})
	require.Error(t, err)

	d, err := Open[string](Options{CompressLevel: 9})
	require.NoError(t, err)
	d.Close()
}

func TestCloneSharesFileView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	d, err := Open[string](Options{Filename: path})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set("k", "v"))

	clone, err := d.Clone()
	require.NoError(t, err)
	defer clone.Close()

	got, err := clone.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	// Writes through the clone are visible to the original: same file,
	// shared view, not a data copy.
	require.NoError(t, clone.Set("k2", "v2"))
	got, err = d.Get("k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestBatchCommitBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	writer, err := Open[string](Options{Filename: path, Batch: true})
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open[string](Options{Filename: path})
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.Set("k", "v"))

	// The writer sees its own uncommitted write; the reader does not.
	got, err := writer.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ok, err := reader.Contains("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, writer.Commit())

	ok, err = reader.Contains("k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBatchCloseCommitsPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	writer, err := Open[string](Options{Filename: path, Batch: true})
	require.NoError(t, err)
	require.NoError(t, writer.Set("k", "v"))
	require.NoError(t, writer.Close())

	reader, err := Open[string](Options{Filename: path})
	require.NoError(t, err)
	defer reader.Close()

	got, err := reader.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestMemoryDictsAreIndependent(t *testing.T) {
	d1 := newTestDict(t, Options{})
	d2 := newTestDict(t, Options{})

	require.NoError(t, d1.Set("k", "v"))

	ok, err := d2.Contains("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
