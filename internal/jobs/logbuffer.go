package jobs

import "sync"

// LogBuffer is the append-only output record of one job. A single writer
// (the job's supervisor) appends; any number of readers may query the tail
// while the job is still producing output. Lines are never removed or
// mutated once appended.
type LogBuffer struct {
	mu    sync.RWMutex
	lines []string
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// Tail returns the last n lines in append order, or every line when n == 0.
// The returned slice is a copy.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if n > 0 && n < len(b.lines) {
		start = len(b.lines) - n
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// Len returns the total number of lines appended so far.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}
