package util

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// Duration is a time.Duration that marshals to and from its string form
// ("15m", "1d12h") in YAML and JSON config files.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := ExtendedParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

// ExtendedParseDuration parses a duration string that additionally understands
// "d" (days) and "w" (weeks) ahead of the standard Go units.
func ExtendedParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	var total time.Duration
	rest := s
	for _, unit := range []struct {
		suffix string
		scale  time.Duration
	}{{"w", Week}, {"d", Day}} {
		idx := strings.Index(rest, unit.suffix)
		if idx == -1 {
			continue
		}
		n, err := strconv.ParseUint(rest[:idx], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit.scale
		rest = rest[idx+len(unit.suffix):]
	}

	if rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += d
	}
	return total, nil
}
