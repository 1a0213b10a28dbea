package shadow

import (
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/classify"
)

// Datum is one judged outcome for one provider.
type Datum struct {
	Won       bool
	Tie       bool
	Err       bool
	Score     float64
	LatencyMs int64
	At        time.Time
}

// Latency holds latency percentiles in milliseconds.
type Latency struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}

// Summary aggregates a provider/taskType window. TIE verdicts contribute
// half a win to the win rate; ERROR verdicts are excluded from it but still
// counted.
type Summary struct {
	Count       int       `json:"count"`
	WinRate     float64   `json:"win_rate"`
	AvgScore    float64   `json:"avg_score"`
	Latency     Latency   `json:"latency"`
	LastUpdated time.Time `json:"last_updated"`
}

// Collector maintains per-provider, per-task-type sliding windows of judged
// outcomes.
type Collector struct {
	mu         sync.Mutex
	windowSize int
	data       map[string]map[classify.TaskType][]Datum
}

// NewCollector creates a collector keeping the last windowSize data per
// provider and task type.
func NewCollector(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Collector{
		windowSize: windowSize,
		data:       make(map[string]map[classify.TaskType][]Datum),
	}
}

// Record folds one judged comparison into both providers' windows. The
// primary is side A, the shadow side B.
func (c *Collector) Record(res *Result) {
	v := &res.Verdict
	comp := &res.Comparison
	isErr := v.Winner == WinnerError
	tie := v.Winner == WinnerTie

	c.add(comp.Primary.Provider, comp.TaskType, Datum{
		Won:       v.Winner == WinnerA,
		Tie:       tie,
		Err:       isErr,
		Score:     v.A.Total,
		LatencyMs: comp.Primary.DurationMs,
		At:        comp.Timestamp,
	})
	c.add(comp.Shadow.Provider, comp.TaskType, Datum{
		Won:       v.Winner == WinnerB,
		Tie:       tie,
		Err:       isErr,
		Score:     v.B.Total,
		LatencyMs: comp.Shadow.DurationMs,
		At:        comp.Timestamp,
	})
}

func (c *Collector) add(provider string, task classify.TaskType, d Datum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byTask, ok := c.data[provider]
	if !ok {
		byTask = make(map[classify.TaskType][]Datum)
		c.data[provider] = byTask
	}
	window := append(byTask[task], d)
	if len(window) > c.windowSize {
		window = window[len(window)-c.windowSize:]
	}
	byTask[task] = window
}

func summarize(window []Datum) Summary {
	s := Summary{Count: len(window)}
	if len(window) == 0 {
		return s
	}

	var credit, scored float64
	var judged int
	latencies := make([]int64, 0, len(window))
	for _, d := range window {
		latencies = append(latencies, d.LatencyMs)
		if d.At.After(s.LastUpdated) {
			s.LastUpdated = d.At
		}
		if d.Err {
			continue
		}
		judged++
		scored += d.Score
		if d.Won {
			credit += 1
		} else if d.Tie {
			credit += 0.5
		}
	}
	if judged > 0 {
		s.WinRate = credit / float64(judged)
		s.AvgScore = scored / float64(judged)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pick := func(p float64) int64 {
		return latencies[int(float64(len(latencies)-1)*p)]
	}
	s.Latency = Latency{P50: pick(0.50), P95: pick(0.95), P99: pick(0.99)}
	return s
}

// Aggregate returns the full provider -> taskType -> summary view.
func (c *Collector) Aggregate() map[string]map[classify.TaskType]Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[classify.TaskType]Summary, len(c.data))
	for provider, byTask := range c.data {
		sums := make(map[classify.TaskType]Summary, len(byTask))
		for task, window := range byTask {
			sums[task] = summarize(window)
		}
		out[provider] = sums
	}
	return out
}

// ProviderSummary collapses all task types for one provider. Used by the
// weight optimizer.
func (c *Collector) ProviderSummary(provider string) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []Datum
	for _, window := range c.data[provider] {
		all = append(all, window...)
	}
	return summarize(all)
}

// Providers returns every provider with recorded data.
func (c *Collector) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.data))
	for p := range c.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
