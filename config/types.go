package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes is a size that reads from YAML as a human string such as "500GB"
// or "1.5 GiB". Plain integers are accepted as a byte count.
type Bytes int64

// String implements fmt.Stringer.
func (b Bytes) String() string {
	return humanize.IBytes(uint64(b)) //nolint:gosec // validated non-negative
}

// Set parses value; it also lets Bytes be used as a kong flag.
func (b *Bytes) Set(value string) error {
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}
	if parsed > 1<<62 {
		return fmt.Errorf("byte size %q is too large", value)
	}
	*b = Bytes(parsed)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (b *Bytes) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return b.Set(fmt.Sprint(raw))
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (b Bytes) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Int64 returns the size in bytes.
func (b Bytes) Int64() int64 {
	return int64(b)
}

// Duration is a time.Duration that reads from YAML as "30s", "5m" and so on.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
