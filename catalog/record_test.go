package catalog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFileRecordEncoding(t *testing.T) {
	rec := fileRecord{
		size:    123456789,
		updated: time.Date(2024, 3, 1, 12, 0, 0, 42, time.UTC),
		refs:    3,
	}

	got, err := decodeFileRecord(encodeFileRecord(rec))
	require.NoError(t, err)
	require.Equal(t, rec.size, got.size)
	require.True(t, rec.updated.Equal(got.updated))
	require.Equal(t, rec.refs, got.refs)
}

func TestFileRecordSkipsUnknownFields(t *testing.T) {
	b := encodeFileRecord(fileRecord{size: 7, refs: 1})
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future field")

	got, err := decodeFileRecord(b)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.size)
	require.Equal(t, uint64(1), got.refs)
}

func TestFileRecordCorrupt(t *testing.T) {
	_, err := decodeFileRecord([]byte{0x08}) // tag with no varint
	require.ErrorIs(t, err, errCorrupt)
}

func TestManifestSmallIsUncompressed(t *testing.T) {
	codec, err := newManifestCodec()
	require.NoError(t, err)
	defer codec.Close()

	files := []BuildFile{
		{Hash: artifactcache.MustParseHash("aa01"), Path: "bin/app", Size: 10},
		{Hash: artifactcache.MustParseHash("bb02"), Path: "lib/libx.so", Size: 20},
	}
	b := codec.encode(files)
	require.Equal(t, manifestIdentity, b[0])

	got, err := codec.decode(b)
	require.NoError(t, err)
	require.Equal(t, files, got)
}

func TestManifestLargeIsCompressed(t *testing.T) {
	codec, err := newManifestCodec()
	require.NoError(t, err)
	defer codec.Close()

	var files []BuildFile
	for i := range 500 {
		files = append(files, BuildFile{
			Hash: artifactcache.MustParseHash(fmt.Sprintf("%064x", i)),
			Path: "objects/" + strings.Repeat("x", 20) + fmt.Sprintf("/%d.o", i),
			Size: int64(i),
		})
	}
	b := codec.encode(files)
	require.Equal(t, manifestZstd, b[0])

	got, err := codec.decode(b)
	require.NoError(t, err)
	require.Equal(t, files, got)
}

func TestManifestDecodeErrors(t *testing.T) {
	codec, err := newManifestCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.decode(nil)
	require.ErrorIs(t, err, errCorrupt)

	_, err = codec.decode([]byte{9, 1, 2})
	require.ErrorIs(t, err, errCorrupt)

	_, err = codec.decode([]byte{manifestZstd, 1, 2, 3})
	require.Error(t, err)
}

func TestPercentCount(t *testing.T) {
	tests := []struct {
		total, percent, want int
	}{
		{0, 50, 0},
		{10, 0, 0},
		{10, 10, 1},
		{10, 15, 2},
		{3, 1, 1},
		{200, 50, 100},
		{7, 100, 7},
		{7, 150, 7},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.total, tt.percent), func(t *testing.T) {
			require.Equal(t, tt.want, percentCount(tt.total, tt.percent))
		})
	}
}
