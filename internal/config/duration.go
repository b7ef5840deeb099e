package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a Go duration string as written in the file ("500ms", "2m").
// Empty means the component default.
type Duration string

// Parse returns zero for an empty value and rejects negative durations.
// field names the config path in errors.
func (d Duration) Parse(field string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, string(d), err)
	case v < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, string(d))
	}
	return v, nil
}

// Or is Parse with def substituted for an empty or zero value.
func (d Duration) Or(field string, def time.Duration) (time.Duration, error) {
	v, err := d.Parse(field)
	if err != nil || v > 0 {
		return v, err
	}
	return def, nil
}
