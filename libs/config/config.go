// Package config reads service settings from the environment. Values are
// trimmed and an empty value counts as unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func String(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

func RequiredString(key string) (string, error) {
	if v, ok := lookup(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("%s is required", key)
}

// Secret reads key directly, or failing that the file named by key_FILE,
// which is how container secrets are usually mounted. The file wins when
// both are set.
func Secret(key, fallback string) (string, error) {
	if path, ok := lookup(key + "_FILE"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%s_FILE: %w", key, err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return String(key, fallback), nil
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	if p, err := strconv.Atoi(v); err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a TCP port between 1 and 65535, got %q", key, v)
	}
	return v, nil
}

// Int returns the positive integer in key, or fallback when unset or invalid.
func Int(key string, fallback int) int {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

// Duration accepts a Go duration ("5s", "250ms") or bare milliseconds.
// Non-positive values fall back.
func Duration(key string, fallback time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		ms, msErr := strconv.Atoi(v)
		if msErr != nil {
			return fallback
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return fallback
	}
	return d
}

func Bool(key string, fallback bool) bool {
	v, _ := lookup(key)
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	}
	return fallback
}

// List splits a comma separated value and drops blank entries.
func List(key string) []string {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Float returns the number in key when it lies within [lo, hi].
func Float(key string, fallback, lo, hi float64) float64 {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		return fallback
	}
	return f
}
