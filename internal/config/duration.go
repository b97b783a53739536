package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// parseDuration reads a Go duration string ("750ms", "5m"). Empty means zero.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"500ms\", \"10s\")", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, d)
	}
	return d, nil
}

// durations collects parse failures across several keys so one bad file
// reports every broken field at once.
type durations struct {
	errs []error
}

// or returns def for an empty or zero value.
func (ds *durations) or(path, raw string, def time.Duration) time.Duration {
	d, err := parseDuration(path, raw)
	if err != nil {
		ds.errs = append(ds.errs, err)
		return def
	}
	if d == 0 {
		return def
	}
	return d
}

func (ds *durations) err() error { return errors.Join(ds.errs...) }
