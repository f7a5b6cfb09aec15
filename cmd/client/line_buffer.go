package main

import (
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// LineBuffer remembers the transcript lines printed most recently. The
// server re-sends closed turns with every snapshot, occasionally with small
// punctuation or wording drift, so dedup is by similarity rather than
// equality. Oldest lines are evicted once the buffer is full.
type LineBuffer struct {
	lines    []string
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewLineBuffer creates a buffer remembering up to capacity lines.
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity <= 0 {
		capacity = 1
	}

	return &LineBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add records a printed line.
func (b *LineBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.head] = line
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Seen reports whether line is within threshold similarity of any
// remembered line.
func (b *LineBuffer) Seen(line string, threshold float64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	normalized := normalizeLine(line)
	for i := 0; i < b.size; i++ {
		if similarLines(normalized, normalizeLine(b.lines[i]), threshold) {
			return true
		}
	}
	return false
}

func normalizeLine(line string) string {
	return strings.ToLower(strings.TrimSpace(line))
}

// similarLines scales the Levenshtein distance by the longer line's length.
// An empty line never matches a non-empty one.
func similarLines(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	distance := levenshtein.ComputeDistance(a, b)
	similarity := 1.0 - (float64(distance) / float64(maxLen))
	return similarity >= threshold
}
