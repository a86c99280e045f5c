package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the recent samples of one turn stage, in seconds.
type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	Negative   int     `json:"negative,omitempty"`
	Last       float64 `json:"last_s"`
	Mean       float64 `json:"mean_s"`
	Min        float64 `json:"min_s"`
	Max        float64 `json:"max_s"`
	P50        float64 `json:"p50_s"`
	P95        float64 `json:"p95_s"`
	Budget     float64 `json:"budget_s,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is the rolling view served by the perf endpoint.
type StageSnapshot struct {
	Since       time.Time    `json:"since"`
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageBudget is the p95 latency a healthy agent should stay under. Stages
// driven by the caller have none.
var stageBudget = map[string]float64{
	StageAgentIdle:         1.2,
	StageAgentReply:        8,
	"telephony_place_call": 2.5,
	"telephony_hangup":     1,
}

// stageRing keeps the last N non-negative samples of a stage.
type stageRing struct {
	samples  []float64
	pos      int
	full     bool
	last     float64
	negative int
}

func (r *stageRing) add(v float64) {
	r.samples[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *stageRing) values() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

type stageWindow struct {
	mu         sync.Mutex
	size       int
	since      time.Time
	rings      map[string]*stageRing
	indicators map[string]int
	now        func() time.Time
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		since:      time.Now().UTC(),
		rings:      make(map[string]*stageRing),
		indicators: make(map[string]int),
		now:        time.Now,
	}
}

func (w *stageWindow) ring(stage string) *stageRing {
	r, ok := w.rings[stage]
	if !ok {
		r = &stageRing{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	return r
}

// Observe records one stage duration in seconds. Negative durations are
// tallied but kept out of the percentiles.
func (w *stageWindow) Observe(stage string, seconds float64) {
	if stage == "" || math.IsNaN(seconds) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.ring(stage)
	if seconds < 0 {
		r.negative++
		return
	}
	r.add(seconds)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		r := w.rings[name]
		vals := r.values()
		st := StageStats{Stage: name, Samples: len(vals), Negative: r.negative, Budget: stageBudget[name]}
		if len(vals) > 0 {
			sort.Float64s(vals)
			sum := 0.0
			for _, v := range vals {
				sum += v
				if st.Budget > 0 && v > st.Budget {
					st.OverBudget++
				}
			}
			st.Last = round3(r.last)
			st.Mean = round3(sum / float64(len(vals)))
			st.Min = round3(vals[0])
			st.Max = round3(vals[len(vals)-1])
			st.P50 = round3(percentile(vals, 0.50))
			st.P95 = round3(percentile(vals, 0.95))
		}
		stages = append(stages, st)
	}

	var indicators []Indicator
	for name, count := range w.indicators {
		indicators = append(indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(indicators, func(i, j int) bool { return indicators[i].Name < indicators[j].Name })

	return StageSnapshot{
		Since:       w.since,
		GeneratedAt: w.now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

// Reset empties the window and returns how many samples it dropped.
func (w *stageWindow) Reset() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	dropped := 0
	for _, r := range w.rings {
		dropped += len(r.values()) + r.negative
	}
	w.rings = make(map[string]*stageRing)
	w.indicators = make(map[string]int)
	w.since = w.now().UTC()
	return dropped
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
