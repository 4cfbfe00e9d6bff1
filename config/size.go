package config

import (
	"fmt"

	units "github.com/docker/go-units"
)

// Size is a byte count written in TOML either as an integer or as a human
// string such as "512KiB" or "16MiB".
type Size uint64

// ParseSize parses a human-readable size with binary units.
func ParseSize(s string) (Size, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return Size(n), nil
}

// UnmarshalTOML accepts integers and size strings.
func (s *Size) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*s = Size(v)
		return nil
	case string:
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		*s = n
		return nil
	default:
		return fmt.Errorf("size must be an integer or a string, got %T", v)
	}
}

// MarshalText writes the size with binary units.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// U32 returns the size as a guest quantity.
func (s Size) U32() uint32 {
	return uint32(s)
}
