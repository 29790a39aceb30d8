package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

// Values in the catalog buckets are protobuf wire format, written and read
// field by field with protowire.
//
//	fileRecord { 1: size varint, 2: updated unix nanos varint, 3: refs varint }
//	manifest   { 1: repeated entry bytes }
//	entry      { 1: hash bytes, 2: path bytes, 3: size varint }
//
// Manifests are prefixed with one byte naming their encoding.

const (
	manifestIdentity byte = 0
	manifestZstd     byte = 1

	// compressionThreshold is the smallest manifest worth compressing.
	compressionThreshold = 2048

	// maxManifestSize caps decompressed manifests.
	maxManifestSize = 64 << 20
)

var errCorrupt = errors.New("corrupt record")

type fileRecord struct {
	size    int64
	updated time.Time
	refs    uint64
}

func encodeFileRecord(r fileRecord) []byte {
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.size))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.updated.UnixNano()))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, r.refs)
	return b
}

func decodeFileRecord(b []byte) (fileRecord, error) {
	var r fileRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			r.size = int64(v)
		case 2:
			r.updated = time.Unix(0, int64(v)).UTC()
		case 3:
			r.refs = v
		}
	}
	return r, nil
}

// manifestCodec encodes build file lists, compressing large ones.
// It is safe for concurrent use.
type manifestCodec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newManifestCodec() (*manifestCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxManifestSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &manifestCodec{encoder: enc, decoder: dec}, nil
}

func (c *manifestCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *manifestCodec) encode(files []BuildFile) []byte {
	var raw []byte
	for _, f := range files {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, f.Hash.String())
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, f.Path)
		entry = protowire.AppendTag(entry, 3, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(f.Size))

		raw = protowire.AppendTag(raw, 1, protowire.BytesType)
		raw = protowire.AppendBytes(raw, entry)
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if len(raw) >= compressionThreshold && enc != nil {
		compressed := enc.EncodeAll(raw, []byte{manifestZstd})
		if len(compressed) < len(raw)+1 {
			return compressed
		}
	}
	return append([]byte{manifestIdentity}, raw...)
}

func (c *manifestCodec) decode(b []byte) ([]BuildFile, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty manifest", errCorrupt)
	}

	raw := b[1:]
	switch b[0] {
	case manifestIdentity:
	case manifestZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown manifest encoding %d", errCorrupt, b[0])
	}

	var files []BuildFile
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		raw = raw[n:]

		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}

		entry, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		raw = raw[n:]

		f, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func decodeEntry(b []byte) (BuildFile, error) {
	var f BuildFile
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			f.Hash = artifactcache.Hash(v)
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			f.Path = v
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			f.Size = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}
