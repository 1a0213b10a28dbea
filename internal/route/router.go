package route

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/classify"
)

// Candidate is one upstream as seen by the router: already filtered for
// quota cooldown and open circuits by the caller.
type Candidate struct {
	Name      string
	Secure    bool
	Strengths []string // lowercase tags: "fast", "code", "math", ...
	Priority  int
	Weight    float64 // static weight, used when no dynamic entry exists
}

func (c *Candidate) hasStrength(tag string) bool {
	return slices.Contains(c.Strengths, tag)
}

// Strategy names reported in routing decisions.
const (
	StrategyPreference = "preference"
	StrategyWeighted   = "weighted"
)

// Decision is the router's verdict for one request.
type Decision struct {
	Provider   string                      `json:"provider"`
	Strategy   string                      `json:"strategy"`
	TaskType   classify.TaskType           `json:"task_type"`
	Privacy    classify.PrivacyLevel       `json:"privacy"`
	Complexity classify.ComplexityCategory `json:"complexity"`
	Rationale  string                      `json:"rationale"`
}

// Router picks one upstream per request.
type Router struct {
	weights *Weights
	rate    float64 // fraction of traffic using the preference strategy

	rnd func() float64 // test hook
}

// New creates a router. rate is the preference-strategy fraction in [0,1];
// the complement of traffic uses the weighted random draw.
func New(weights *Weights, rate float64) *Router {
	return &Router{weights: weights, rate: rate, rnd: rand.Float64}
}

// Decide selects an upstream for the prompt. healthy reflects the resource
// monitor; candidates must already exclude cooled-down and open-circuit
// upstreams. Returns ErrNoSecureUpstream when a non-public prompt has no
// secure candidate, ErrAllQuotasExhausted when candidates is empty.
func (rt *Router) Decide(prompt string, candidates []Candidate, healthy bool, opts *gateway.CallOptions) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, gateway.ErrAllQuotasExhausted
	}

	privacy := classify.Privacy(prompt)
	complexity := classify.ComplexityOf(classify.Complexity(prompt))
	var override string
	if opts != nil {
		override = opts.TaskType
	}
	task := classify.Task(prompt, override)

	if privacy != classify.PrivacyPublic {
		candidates = secureOnly(candidates)
		if len(candidates) == 0 {
			return nil, gateway.ErrNoSecureUpstream
		}
	}

	speed := complexity == classify.ComplexitySimple || !healthy
	ordered := preferredOrder(candidates, task, speed)

	d := &Decision{
		TaskType:   task,
		Privacy:    privacy,
		Complexity: complexity,
	}
	optimization := "QUALITY"
	if speed {
		optimization = "SPEED"
	}
	health := "HEALTHY"
	if !healthy {
		health = "DEGRADED"
	}

	if rt.rnd() < rt.rate {
		d.Provider = ordered[0].Name
		d.Strategy = StrategyPreference
	} else {
		d.Provider = rt.selectWeighted(candidates, ordered[0].Name)
		d.Strategy = StrategyWeighted
	}
	d.Rationale = fmt.Sprintf("privacy=%s optimization=%s systemHealth=%s strategy=%s selected=%s",
		privacy, optimization, health, d.Strategy, d.Provider)
	return d, nil
}

func secureOnly(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Secure {
			out = append(out, c)
		}
	}
	return out
}

// preferredOrder sorts candidates for the preference walk. Speed mode puts
// "fast" upstreams first; otherwise upstreams whose strengths match the task
// type come first. Ties keep priority order.
func preferredOrder(candidates []Candidate, task classify.TaskType, speed bool) []Candidate {
	tag := strings.ToLower(string(task))
	rank := func(c *Candidate) int {
		if speed {
			if c.hasStrength("fast") {
				return 0
			}
			return 1
		}
		if c.hasStrength(tag) {
			return 0
		}
		return 1
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if ra, rb := rank(&a), rank(&b); ra != rb {
			return ra - rb
		}
		return a.Priority - b.Priority
	})
	return out
}

// selectWeighted draws a candidate by prefix sum over dynamic weights,
// falling back to each candidate's static weight when the table has no
// entry. A zero weight sum falls back to the preference pick.
func (rt *Router) selectWeighted(candidates []Candidate, fallback string) string {
	var sum float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := c.Weight
		if dyn, ok := rt.weights.Lookup(c.Name); ok {
			w = dyn
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}
	if sum <= 0 {
		return fallback
	}

	r := rt.rnd() * sum
	var acc float64
	for i, c := range candidates {
		acc += weights[i]
		if r < acc {
			return c.Name
		}
	}
	return candidates[len(candidates)-1].Name
}
