package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage is one timed step of the task lifecycle.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageEncrypt    Stage = "encrypt"
	StageSubmit     Stage = "submit"
	StageConfirm    Stage = "confirm"
	StageReveal     Stage = "reveal"
	StageAnchor     Stage = "anchor"
	StageRefresh    Stage = "refresh"
)

// Stages lists the tracked stages in lifecycle order.
var Stages = []Stage{
	StageInitialize,
	StageEncrypt,
	StageSubmit,
	StageConfirm,
	StageReveal,
	StageAnchor,
	StageRefresh,
}

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// stageBudgets are p95 budgets for successful samples against devnet-speed
// backends.
var stageBudgets = map[Stage]time.Duration{
	StageInitialize: 2 * time.Second,
	StageEncrypt:    1500 * time.Millisecond,
	StageSubmit:     2 * time.Second,
	StageConfirm:    15 * time.Second,
	StageReveal:     3 * time.Second,
	StageAnchor:     15 * time.Second,
	StageRefresh:    1500 * time.Millisecond,
}

type OutcomeLatency struct {
	Outcome string  `json:"outcome"`
	Samples int     `json:"samples"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type StageLatency struct {
	Stage       Stage            `json:"stage"`
	Samples     int              `json:"samples"`
	ErrorRate   float64          `json:"error_rate"`
	BudgetP95MS float64          `json:"budget_p95_ms"`
	OverBudget  bool             `json:"over_budget"`
	Outcomes    []OutcomeLatency `json:"outcomes"`
}

// LatencyReport covers every lifecycle stage, including stages with no
// samples in the window.
type LatencyReport struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	WindowSeconds float64        `json:"window_seconds"`
	Stages        []StageLatency `json:"stages"`
}

type stageSample struct {
	at      time.Time
	took    time.Duration
	outcome string
}

// lifecycleWindow keeps the samples observed within horizon, at most limit
// per stage. Samples of a stage are stored in observation order.
type lifecycleWindow struct {
	mu      sync.Mutex
	horizon time.Duration
	limit   int
	now     func() time.Time
	samples map[Stage][]stageSample
}

func newLifecycleWindow(horizon time.Duration, limit int) *lifecycleWindow {
	if horizon <= 0 {
		horizon = 15 * time.Minute
	}
	if limit <= 0 {
		limit = 512
	}
	return &lifecycleWindow{
		horizon: horizon,
		limit:   limit,
		now:     time.Now,
		samples: make(map[Stage][]stageSample, len(Stages)),
	}
}

func (w *lifecycleWindow) observe(stage Stage, outcome string, took time.Duration) {
	if _, ok := stageBudgets[stage]; !ok || took < 0 {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	live := append(w.liveLocked(stage, now), stageSample{at: now, took: took, outcome: outcome})
	if len(live) > w.limit {
		live = live[len(live)-w.limit:]
	}
	w.samples[stage] = live
}

// liveLocked drops samples older than the horizon.
func (w *lifecycleWindow) liveLocked(stage Stage, now time.Time) []stageSample {
	list := w.samples[stage]
	cutoff := now.Add(-w.horizon)
	i := sort.Search(len(list), func(i int) bool { return list[i].at.After(cutoff) })
	return list[i:]
}

func (w *lifecycleWindow) report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	out := LatencyReport{
		GeneratedAt:   now.UTC(),
		WindowSeconds: w.horizon.Seconds(),
		Stages:        make([]StageLatency, 0, len(Stages)),
	}
	for _, stage := range Stages {
		live := w.liveLocked(stage, now)
		w.samples[stage] = live
		out.Stages = append(out.Stages, summarizeStage(stage, live))
	}
	return out
}

func summarizeStage(stage Stage, samples []stageSample) StageLatency {
	sl := StageLatency{
		Stage:       stage,
		Samples:     len(samples),
		BudgetP95MS: millis(stageBudgets[stage]),
		Outcomes:    []OutcomeLatency{},
	}
	if len(samples) == 0 {
		return sl
	}

	byOutcome := make(map[string][]time.Duration)
	for _, s := range samples {
		byOutcome[s.outcome] = append(byOutcome[s.outcome], s.took)
	}
	outcomes := make([]string, 0, len(byOutcome))
	for name := range byOutcome {
		outcomes = append(outcomes, name)
	}
	sort.Strings(outcomes)

	for _, name := range outcomes {
		took := byOutcome[name]
		sort.Slice(took, func(i, j int) bool { return took[i] < took[j] })
		ol := OutcomeLatency{
			Outcome: name,
			Samples: len(took),
			P50MS:   millis(nearestRank(took, 0.50)),
			P95MS:   millis(nearestRank(took, 0.95)),
			MaxMS:   millis(took[len(took)-1]),
		}
		sl.Outcomes = append(sl.Outcomes, ol)
		if name == OutcomeOK {
			sl.OverBudget = ol.P95MS > sl.BudgetP95MS
		}
	}
	failed := len(byOutcome[OutcomeError])
	sl.ErrorRate = math.Round(float64(failed)/float64(len(samples))*1000) / 1000
	return sl
}

// nearestRank returns the q-quantile of an ascending, non-empty slice.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
