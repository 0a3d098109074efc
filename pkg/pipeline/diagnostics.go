package pipeline

import "sync"

// Diagnostic is one recovered, non-fatal condition observed during a run.
// Every recovered condition produces one, so nothing is silently
// swallowed between a stage and the final statistics record.
type Diagnostic struct {
	Stage string
	Kind  ErrorKind
	Frame int
	Msg   string
}

// DiagnosticRing is a fixed-capacity circular buffer of Diagnostics:
// O(1) insert, oldest evicted when full, so a very long batch run's stats
// record stays bounded in size regardless of how many BoundaryClamp/
// AnalyserUnavailable events it accumulates.
type DiagnosticRing struct {
	mu       sync.Mutex
	entries  []Diagnostic
	capacity int
	head     int
	size     int
	dropped  int
}

// NewDiagnosticRing creates a ring buffer holding up to capacity
// diagnostics. A capacity of 0 or less defaults to 1000, wide enough for
// any single file's run without growing unbounded.
func NewDiagnosticRing(capacity int) *DiagnosticRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DiagnosticRing{entries: make([]Diagnostic, capacity), capacity: capacity}
}

// Add records one diagnostic, evicting the oldest entry if the ring is full.
func (d *DiagnosticRing) Add(entry Diagnostic) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == d.capacity {
		d.dropped++
	} else {
		d.size++
	}
	d.entries[d.head] = entry
	d.head = (d.head + 1) % d.capacity
}

// All returns every retained diagnostic in chronological order (oldest
// first).
func (d *DiagnosticRing) All() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == 0 {
		return nil
	}
	out := make([]Diagnostic, 0, d.size)
	start := (d.head - d.size + d.capacity) % d.capacity
	for i := 0; i < d.size; i++ {
		out = append(out, d.entries[(start+i)%d.capacity])
	}
	return out
}

// Dropped reports how many diagnostics were evicted because the ring was
// full, so a caller can tell a bounded report from a complete one.
func (d *DiagnosticRing) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
