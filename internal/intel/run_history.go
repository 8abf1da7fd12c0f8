package intel

import "sync"

// RunHistory keeps a capped in-memory window of recent scraper runs for a
// session. The durable record lives in the RunStore; this window only serves
// cheap status reads. Oldest entries are evicted once the window is full.
type RunHistory struct {
	mu   sync.Mutex
	max  int
	runs []ScraperRun
}

// NewRunHistory builds a history window holding at most max runs.
func NewRunHistory(max int) *RunHistory {
	if max <= 0 {
		max = 10
	}
	return &RunHistory{max: max}
}

// Add appends a run, evicting the oldest entry when the window is full.
func (h *RunHistory) Add(run ScraperRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	if len(h.runs) > h.max {
		h.runs = h.runs[len(h.runs)-h.max:]
	}
}

// Recent returns a copy of the retained runs, oldest first.
func (h *RunHistory) Recent() []ScraperRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ScraperRun, len(h.runs))
	copy(out, h.runs)
	return out
}

// Len reports how many runs are currently retained.
func (h *RunHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}
