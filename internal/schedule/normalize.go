// Package schedule normalizes loosely-structured schedule input into the
// canonical (time-of-day, interval-days) model and implements the
// frequency day gate.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	timeRe    = regexp.MustCompile(`^\d{1,2}:\d{2}$`)
	integerRe = regexp.MustCompile(`\d+`)
)

// NormalizeFrequency converts free-text frequency input into an interval
// in days. Total: ambiguous input degrades to daily rather than failing.
func NormalizeFrequency(raw string) int {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 1
	}

	if n, err := strconv.Atoi(raw); err == nil {
		if n < 1 {
			return 1
		}
		return n
	}

	if strings.Contains(raw, "daily") || strings.Contains(raw, "every day") {
		return 1
	}
	if strings.Contains(raw, "other day") || strings.Contains(raw, "alternate") {
		return 2
	}
	if strings.Contains(raw, "weekly") {
		return 7
	}

	if m := integerRe.FindString(raw); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 {
			return n
		}
	}

	return 1
}

// Time-of-day inference buckets, checked in order. Elderly users rarely
// give exact times; the medication name is usually enough to pick a slot.
var nameSlots = []struct {
	time  string
	terms []string
}{
	{"22:00", []string{"sleep", "night", "bed", "melatonin", "ambien", "zolpidem", "trazodone"}},
	{"08:00", []string{"morning", "thyroid", "vitamin"}},
	{"13:00", []string{"lunch", "afternoon"}},
	{"19:00", []string{"dinner", "evening"}},
}

// NormalizeTime returns a zero-padded "HH:MM" schedule time. Well-formed
// input passes through; anything else falls back to inference from the
// medication name, defaulting to mid-morning.
func NormalizeTime(raw, medicationName string) string {
	raw = strings.TrimSpace(raw)
	if timeRe.MatchString(raw) {
		parts := strings.SplitN(raw, ":", 2)
		hour, _ := strconv.Atoi(parts[0])
		return fmt.Sprintf("%02d:%s", hour, parts[1])
	}

	name := strings.ToLower(medicationName)
	for _, slot := range nameSlots {
		for _, term := range slot.terms {
			if strings.Contains(name, term) {
				return slot.time
			}
		}
	}

	return "09:00"
}
