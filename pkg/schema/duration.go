package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a time span written with suffix literals: "30s", "5m", "2h",
// "1d", combinable as "1d12h" or "1h30m". Days are 24 hours. It marshals
// back to the literal form in both YAML and JSON.
type Duration time.Duration

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
}

// ParseDuration parses a suffix-literal duration. Segments may appear in any
// order but each must carry a unit; the whole string must be consumed.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return 0, fmt.Errorf("invalid duration %q: expected digits at position %d", s, i)
		}
		var n int64
		for _, c := range s[start:i] {
			n = n*10 + int64(c-'0')
		}

		unitStart := i
		for i < len(s) && (s[i] < '0' || s[i] > '9') {
			i++
		}
		unit, err := durationUnit(s[unitStart:i])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	return Duration(total), nil
}

func durationUnit(suffix string) (time.Duration, error) {
	for _, u := range durationUnits {
		if u.suffix == suffix {
			return u.unit, nil
		}
	}
	if suffix == "" {
		return 0, fmt.Errorf("missing unit suffix")
	}
	return 0, fmt.Errorf("unknown unit %q", suffix)
}

// Std returns the span as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IsZero reports whether no duration was set.
func (d Duration) IsZero() bool { return d == 0 }

// String renders the compact suffix-literal form, largest units first.
func (d Duration) String() string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	rest := time.Duration(d)
	for _, u := range durationUnits {
		if n := rest / u.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			rest -= n * u.unit
		}
	}
	if rest > 0 {
		// Sub-millisecond remainder has no literal; fall back to Go syntax.
		return time.Duration(d).String()
	}
	return b.String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
