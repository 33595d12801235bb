package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages tracked per turn.
const (
	StageUpstreamConnect    = "upstream_connect"
	StageCommitToFirstAudio = "commit_to_first_audio"
	StageCommitToFirstText  = "commit_to_first_text"
	StageTurnTotal          = "turn_total"
)

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]time.Duration{
	StageUpstreamConnect:    1500 * time.Millisecond,
	StageCommitToFirstAudio: 1200 * time.Millisecond,
	StageCommitToFirstText:  900 * time.Millisecond,
	StageTurnTotal:          6 * time.Second,
}

const defaultWindowSize = 256

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window above the stage target.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []time.Duration
	head int
	size int
}

func (r *ring) add(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) last() time.Duration {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *ring) sorted() []time.Duration {
	out := slices.Clone(r.buf[:r.size])
	slices.Sort(out)
	return out
}

// latencyWindow is a rolling per-stage latency window with outcome counters,
// served by /v1/perf/latency.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*ring
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &latencyWindow{
		size:       size,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &ring{buf: make([]time.Duration, w.size)}
		w.stages[stage] = r
	}
	r.add(d)
}

func (w *latencyWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		r := w.stages[stage]
		if r.size == 0 {
			continue
		}
		samples := r.sorted()
		var sum time.Duration
		over := 0
		target := stageTargets[stage]
		for _, d := range samples {
			sum += d
			if target > 0 && d > target {
				over++
			}
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      millis(r.last()),
			AvgMS:       millis(sum / time.Duration(len(samples))),
			P50MS:       millis(percentile(samples, 50)),
			P95MS:       millis(percentile(samples, 95)),
			P99MS:       millis(percentile(samples, 99)),
			TargetP95MS: millis(target),
			OverTarget:  over,
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	return snap
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
