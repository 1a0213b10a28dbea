package route

import (
	"errors"
	"strings"
	"testing"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
)

func testCandidates() []Candidate {
	return []Candidate{
		{Name: "local", Secure: true, Strengths: []string{"fast"}, Priority: 1, Weight: 40},
		{Name: "coder", Secure: false, Strengths: []string{"code"}, Priority: 2, Weight: 30},
		{Name: "big", Secure: false, Strengths: []string{"analysis", "math"}, Priority: 3, Weight: 30},
	}
}

// fixedRouter always takes the preference branch.
func fixedRouter(w *Weights) *Router {
	rt := New(w, 1.0)
	rt.rnd = func() float64 { return 0.5 }
	return rt
}

func TestDecide_PrivacyRequiresSecure(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	d, err := rt.Decide("my ssn is 123-45-6789, summarize my file", testCandidates(), true, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Provider != "local" {
		t.Fatalf("provider = %q, want the secure candidate", d.Provider)
	}
	if d.Privacy != classify.PrivacyCritical {
		t.Fatalf("privacy = %q", d.Privacy)
	}
}

func TestDecide_NoSecureUpstream(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	insecure := testCandidates()[1:] // drop "local"
	_, err := rt.Decide("email me at bob@example.com", insecure, true, nil)
	if !errors.Is(err, gateway.ErrNoSecureUpstream) {
		t.Fatalf("err = %v, want ErrNoSecureUpstream", err)
	}
}

func TestDecide_EmptyCandidates(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	_, err := rt.Decide("hi", nil, true, nil)
	if !errors.Is(err, gateway.ErrAllQuotasExhausted) {
		t.Fatalf("err = %v, want ErrAllQuotasExhausted", err)
	}
}

func TestDecide_SimplePromptPrefersFast(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	d, err := rt.Decide("hi there", testCandidates(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider != "local" || d.Complexity != classify.ComplexitySimple {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.Contains(d.Rationale, "optimization=SPEED") {
		t.Fatalf("rationale = %q", d.Rationale)
	}
}

func TestDecide_UnhealthyForcesSpeed(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	prompt := "Please analyze and compare these two designs, explain step by step the tradeoffs and reason about failure modes in a long discussion of the architecture and its operational costs over time. " +
		strings.Repeat("More detail on every subsystem. ", 40)
	d, err := rt.Decide(prompt, testCandidates(), false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider != "local" {
		t.Fatalf("provider = %q, want fast candidate when degraded", d.Provider)
	}
	if !strings.Contains(d.Rationale, "systemHealth=DEGRADED") {
		t.Fatalf("rationale = %q", d.Rationale)
	}
}

func TestDecide_TaskSpecificOrder(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	prompt := "Please analyze this quarterly report and compare revenue trends across regions, then summarize the drivers behind each change and explain which product lines deserve more investment next year. " +
		strings.Repeat("Include supporting figures and their sources. ", 30)
	d, err := rt.Decide(prompt, testCandidates(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.TaskType != classify.TaskAnalysis {
		t.Fatalf("task = %q", d.TaskType)
	}
	if d.Provider != "big" {
		t.Fatalf("provider = %q, want the analysis specialist", d.Provider)
	}
}

func TestDecide_TaskOverride(t *testing.T) {
	t.Parallel()

	rt := fixedRouter(NewWeights(nil))
	prompt := strings.Repeat("a long moderately complex prompt with plenty of words in it ", 30)
	d, err := rt.Decide(prompt, testCandidates(), true, &gateway.CallOptions{TaskType: "CODE"})
	if err != nil {
		t.Fatal(err)
	}
	if d.TaskType != classify.TaskCode || d.Provider != "coder" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecide_WeightedDraw(t *testing.T) {
	t.Parallel()

	w := NewWeights(map[string]float64{"local": 0, "coder": 100, "big": 0})
	rt := New(w, 0) // always weighted
	seq := []float64{0.99, 0.5} // strategy draw, then weighted draw
	rt.rnd = func() float64 {
		v := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return v
	}

	d, err := rt.Decide("hi", testCandidates(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Strategy != StrategyWeighted || d.Provider != "coder" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecide_ZeroWeightsFallBackToPreference(t *testing.T) {
	t.Parallel()

	w := NewWeights(map[string]float64{"local": 0, "coder": 0, "big": 0})
	rt := New(w, 0)
	rt.rnd = func() float64 { return 0.9 }

	d, err := rt.Decide("hi", testCandidates(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider != "local" {
		t.Fatalf("provider = %q, want preference pick on zero weight sum", d.Provider)
	}
}

func TestWeights_ReplaceAndSnapshot(t *testing.T) {
	t.Parallel()

	w := NewWeights(map[string]float64{"a": 60, "b": 40})
	if v, ok := w.Lookup("a"); !ok || v != 60 {
		t.Fatalf("Lookup(a) = %v, %v", v, ok)
	}

	w.Replace(map[string]float64{"a": 50, "b": 50})
	snap := w.Snapshot()
	if snap["a"] != 50 || snap["b"] != 50 {
		t.Fatalf("snapshot = %v", snap)
	}

	snap["a"] = 999
	if v, _ := w.Lookup("a"); v != 50 {
		t.Fatal("snapshot aliases internal state")
	}
}
