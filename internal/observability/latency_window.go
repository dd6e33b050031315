package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageBudgets are the p95 targets for each relay stage.
var stageBudgets = map[string]time.Duration{
	StagePromptResolve:      50 * time.Millisecond,
	StageUpstreamConnect:    900 * time.Millisecond,
	StageFirstUpstreamAudio: 1500 * time.Millisecond,
	StageFirstModelToken:    700 * time.Millisecond,
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	BudgetMS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is the payload of /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Events      []EventCount `json:"events,omitempty"`
}

// latencyWindow keeps the last size samples per stage plus running event
// counts.
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*sampleRing
	events map[string]int
}

type sampleRing struct {
	samples []time.Duration
	pos     int
	last    time.Duration
}

func (r *sampleRing) add(d time.Duration, size int) {
	r.last = d
	if len(r.samples) < size {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % size
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:   size,
		rings:  make(map[string]*sampleRing),
		events: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring := w.rings[stage]
	if ring == nil {
		ring = &sampleRing{samples: make([]time.Duration, 0, w.size)}
		w.rings[stage] = ring
	}
	ring.add(d, w.size)
}

func (w *latencyWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		ring := w.rings[stage]
		if len(ring.samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, ring))
	}
	for _, name := range sortedKeys(w.events) {
		snap.Events = append(snap.Events, EventCount{Name: name, Count: w.events[name]})
	}
	return snap
}

func summarize(stage string, ring *sampleRing) StageStats {
	sorted := slices.Clone(ring.samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	stats := StageStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  millis(ring.last),
		AvgMS:   millis(sum / time.Duration(len(sorted))),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
		P99MS:   millis(nearestRank(sorted, 0.99)),
	}
	if budget, ok := stageBudgets[stage]; ok {
		stats.BudgetMS = millis(budget)
		for _, d := range sorted {
			if d > budget {
				stats.OverBudget++
			}
		}
	}
	return stats
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
