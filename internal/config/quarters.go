package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Quarter is one reporting bucket.
type Quarter struct {
	Name  string
	Start time.Time
	End   time.Time // inclusive date
}

// Contains reports whether t falls inside the quarter. The end date is
// inclusive through its last instant.
func (q Quarter) Contains(t time.Time) bool {
	return !t.Before(q.Start) && t.Before(q.End.AddDate(0, 0, 1))
}

// Quarters is an ordered, non-overlapping set of buckets.
type Quarters []Quarter

// Find returns the quarter containing t.
func (qs Quarters) Find(t time.Time) (Quarter, bool) {
	for _, q := range qs {
		if q.Contains(t) {
			return q, true
		}
	}
	return Quarter{}, false
}

// Window returns the overall [start, end] span covered by the set.
func (qs Quarters) Window() (time.Time, time.Time) {
	if len(qs) == 0 {
		return time.Time{}, time.Time{}
	}
	return qs[0].Start, qs[len(qs)-1].End.AddDate(0, 0, 1).Add(-time.Second)
}

// LoadQuarters parses a quarters file. Each non-comment line is
// "name;YYYY-MM-DD;YYYY-MM-DD". The result is sorted by start date and
// rejected if buckets overlap.
func LoadQuarters(path string) (Quarters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open quarters file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var qs Quarters
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ";")
		if len(parts) != 3 {
			return nil, fmt.Errorf("quarters file %s:%d: want name;start;end, got %q", path, lineNo, line)
		}
		start, err := time.Parse("2006-01-02", strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("quarters file %s:%d: bad start date: %w", path, lineNo, err)
		}
		end, err := time.Parse("2006-01-02", strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("quarters file %s:%d: bad end date: %w", path, lineNo, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("quarters file %s:%d: end before start", path, lineNo)
		}
		qs = append(qs, Quarter{Name: strings.TrimSpace(parts[0]), Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read quarters file: %w", err)
	}
	if len(qs) == 0 {
		return nil, fmt.Errorf("quarters file %s: no quarters defined", path)
	}

	sort.Slice(qs, func(i, j int) bool { return qs[i].Start.Before(qs[j].Start) })
	for i := 1; i < len(qs); i++ {
		if qs[i].Start.Before(qs[i-1].End.AddDate(0, 0, 1)) {
			return nil, fmt.Errorf("quarters file %s: %q overlaps %q", path, qs[i].Name, qs[i-1].Name)
		}
	}
	return qs, nil
}
