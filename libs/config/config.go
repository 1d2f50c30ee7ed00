package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func String(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func RequiredString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func Int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}

// ClockRange is a daily wall-clock window expressed in minutes from midnight,
// half-open: [StartMinute, EndMinute).
type ClockRange struct {
	StartMinute int
	EndMinute   int
}

// ClockRanges parses a comma-separated list of "HH:MM-HH:MM" windows, e.g.
// "12:00-13:00" for a practice-wide lunch block. Malformed entries are an error
// rather than silently dropped; a blocked period that vanishes would let
// bookings land inside it.
func ClockRanges(key, fallback string) ([]ClockRange, error) {
	raw := String(key, fallback)
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []ClockRange
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%s: invalid range %q", key, part)
		}
		start, err := minuteOfDay(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		end, err := minuteOfDay(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if end <= start {
			return nil, fmt.Errorf("%s: range %q must end after it starts", key, part)
		}
		out = append(out, ClockRange{StartMinute: start, EndMinute: end})
	}
	return out, nil
}

func minuteOfDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}
