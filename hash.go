// Package artifactcache holds the types shared by every part of the build
// artifact cache: content hashes and helpers for computing them.
package artifactcache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// MinHashLength is the shortest accepted hash, enough to name a shard.
const MinHashLength = 2

// Hash is a content hash in canonical form: lowercase hexadecimal.
// The cache does not care which algorithm produced it; the catalog is the
// authority on that. Hashes computed locally use BLAKE3-256.
type Hash string

// ParseHash validates s and returns it in canonical form.
// Surrounding whitespace is trimmed and upper case digits are lowered.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < MinHashLength {
		return "", fmt.Errorf("invalid hash %q: need at least %d hex chars", s, MinHashLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("invalid hash %q: non-hex character at offset %d", s, i)
		}
	}
	return Hash(s), nil
}

// MustParseHash is like ParseHash but panics on invalid input.
// Intended for tests and constants.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Validate reports an error unless h is already in canonical form, that is
// unless ParseHash would return it unchanged.
func (h Hash) Validate() error {
	parsed, err := ParseHash(string(h))
	if err != nil {
		return err
	}
	if parsed != h {
		return fmt.Errorf("invalid hash %q: not canonical, want %q", string(h), string(parsed))
	}
	return nil
}

// String returns the hex form of the hash.
func (h Hash) String() string {
	return string(h)
}

// Shard returns the first two characters of the hash, used to spread
// entries over 256 subdirectories. h must be valid.
func (h Hash) Shard() string {
	return string(h[:2])
}

// ShortString returns a shortened form for display.
func (h Hash) ShortString() string {
	if len(h) <= 16 {
		return string(h)
	}
	return string(h[:16])
}

// IsZero reports whether the hash is empty.
func (h Hash) IsZero() bool {
	return h == ""
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashBytes computes the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashReader computes the BLAKE3 hash of everything read from r.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	hw := NewHashingWriter(io.Discard)
	n, err := io.Copy(hw, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	return hw.Sum(), n, nil
}

// HashFile computes the BLAKE3 hash and size of the file at path.
func HashFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return HashReader(f)
}

// HashingWriter wraps a writer and computes the hash as data is written.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	return Hash(hex.EncodeToString(hw.h.Sum(nil)))
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
