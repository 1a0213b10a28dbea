package ratelimit

import (
	"sync"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// Budget event types.
const (
	EventWarning  = "warning"
	EventExceeded = "exceeded"
)

// Event is emitted when a key crosses a budget threshold.
type Event struct {
	Type     string    // EventWarning or EventExceeded
	Key      string    // API key ID
	Resource string    // "tokens" or "cost"
	Used     float64
	Limit    float64
	At       time.Time
}

// UsageInput describes one request's consumption.
type UsageInput struct {
	PromptTokens     int
	CompletionTokens int
	Model            string
	Provider         string
}

// Price is the per-million-token cost of a model.
type Price struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPrices covers common model families; unknown models fall back to
// the "default" row.
var defaultPrices = map[string]Price{
	"gpt-4o":        {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":   {InputPerM: 0.15, OutputPerM: 0.60},
	"claude-sonnet": {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-haiku":  {InputPerM: 0.80, OutputPerM: 4.00},
	"gemini-flash":  {InputPerM: 0.10, OutputPerM: 0.40},
	"llama3":        {InputPerM: 0, OutputPerM: 0}, // local inference
	"default":       {InputPerM: 1.00, OutputPerM: 3.00},
}

const (
	historyCap  = 1000
	historyTrim = 500
)

// historyEntry is one charged request in a key's budget history.
type historyEntry struct {
	Tokens int
	Cost   float64
	Model  string
	At     time.Time
}

// budgetEntry tracks one key's period counters.
type budgetEntry struct {
	tokensUsed   int64
	costUsed     float64
	requestCount int64
	tokenLimit   int64
	costLimit    float64
	periodStart  time.Time
	history      []historyEntry
}

// BudgetSnapshot is a read-only view of a key's budget state.
type BudgetSnapshot struct {
	TokensUsed   int64     `json:"tokens_used"`
	CostUsed     float64   `json:"cost_used"`
	RequestCount int64     `json:"request_count"`
	TokenLimit   int64     `json:"token_limit"`
	CostLimit    float64   `json:"cost_limit"`
	PeriodStart  time.Time `json:"period_start"`
	NextReset    time.Time `json:"next_reset"`
}

// BudgetManager enforces per-key token and cost budgets over a fixed period
// (daily, weekly, or monthly). Threshold crossings are emitted as events on
// a buffered channel; sends never block and drop on overflow.
type BudgetManager struct {
	mu            sync.Mutex
	entries       map[string]*budgetEntry
	prices        map[string]Price
	period        string // "daily", "weekly", "monthly"
	warnThreshold float64
	events        chan Event
	now           func() time.Time // test hook
}

// NewBudgetManager creates a budget manager for the given period.
func NewBudgetManager(period string, warnThreshold float64) *BudgetManager {
	if warnThreshold <= 0 {
		warnThreshold = 0.8
	}
	return &BudgetManager{
		entries:       make(map[string]*budgetEntry),
		prices:        defaultPrices,
		period:        period,
		warnThreshold: warnThreshold,
		events:        make(chan Event, 64),
		now:           time.Now,
	}
}

// Events returns the budget event stream.
func (b *BudgetManager) Events() <-chan Event { return b.events }

func (b *BudgetManager) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		// Subscribers read lazily; drops are acceptable.
	}
}

// SetLimits configures a key's budget. Zero means unlimited.
func (b *BudgetManager) SetLimits(key string, tokenLimit int64, costLimit float64) {
	b.mu.Lock()
	e := b.entry(key)
	e.tokenLimit = tokenLimit
	e.costLimit = costLimit
	b.mu.Unlock()
}

// entry returns the key's entry, creating or rolling it as needed.
// Caller holds b.mu.
func (b *BudgetManager) entry(key string) *budgetEntry {
	now := b.now()
	e, ok := b.entries[key]
	if !ok {
		e = &budgetEntry{periodStart: periodStart(b.period, now)}
		b.entries[key] = e
		return e
	}
	if !nextReset(b.period, e.periodStart).After(now) {
		// Period boundary passed: reset counters, keep limits.
		e.tokensUsed = 0
		e.costUsed = 0
		e.requestCount = 0
		e.periodStart = periodStart(b.period, now)
		e.history = e.history[:0]
	}
	return e
}

// Cost computes the monetary cost of a usage from the price table.
func (b *BudgetManager) Cost(u UsageInput) float64 {
	p, ok := b.prices[u.Model]
	if !ok {
		p = b.prices["default"]
	}
	return float64(u.PromptTokens)/1e6*p.InputPerM + float64(u.CompletionTokens)/1e6*p.OutputPerM
}

// RecordUsage charges a request against the key's budget. If either limit
// would be breached the request is denied, nothing is charged, and an
// exceeded event is emitted. Otherwise the totals advance, a warning event
// fires when a ratio crosses the threshold, and the request joins the
// bounded history ring.
func (b *BudgetManager) RecordUsage(key string, u UsageInput) error {
	tokens := int64(u.PromptTokens + u.CompletionTokens)
	cost := b.Cost(u)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)

	if e.tokenLimit > 0 && e.tokensUsed+tokens > e.tokenLimit {
		b.emit(Event{Type: EventExceeded, Key: key, Resource: "tokens",
			Used: float64(e.tokensUsed + tokens), Limit: float64(e.tokenLimit), At: now})
		return gateway.ErrBudgetExceeded
	}
	if e.costLimit > 0 && e.costUsed+cost > e.costLimit {
		b.emit(Event{Type: EventExceeded, Key: key, Resource: "cost",
			Used: e.costUsed + cost, Limit: e.costLimit, At: now})
		return gateway.ErrBudgetExceeded
	}

	e.tokensUsed += tokens
	e.costUsed += cost
	e.requestCount++

	e.history = append(e.history, historyEntry{
		Tokens: int(tokens), Cost: cost, Model: u.Model, At: now,
	})
	if len(e.history) > historyCap {
		e.history = append(e.history[:0], e.history[len(e.history)-historyTrim:]...)
	}

	if e.tokenLimit > 0 && float64(e.tokensUsed)/float64(e.tokenLimit) >= b.warnThreshold {
		b.emit(Event{Type: EventWarning, Key: key, Resource: "tokens",
			Used: float64(e.tokensUsed), Limit: float64(e.tokenLimit), At: now})
	}
	if e.costLimit > 0 && e.costUsed/e.costLimit >= b.warnThreshold {
		b.emit(Event{Type: EventWarning, Key: key, Resource: "cost",
			Used: e.costUsed, Limit: e.costLimit, At: now})
	}
	return nil
}

// Snapshot returns a key's current budget state.
func (b *BudgetManager) Snapshot(key string) BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	return BudgetSnapshot{
		TokensUsed:   e.tokensUsed,
		CostUsed:     e.costUsed,
		RequestCount: e.requestCount,
		TokenLimit:   e.tokenLimit,
		CostLimit:    e.costLimit,
		PeriodStart:  e.periodStart,
		NextReset:    nextReset(b.period, e.periodStart),
	}
}

// ResetAll clears all period counters; limits survive.
func (b *BudgetManager) ResetAll() {
	now := b.now()
	b.mu.Lock()
	for _, e := range b.entries {
		e.tokensUsed = 0
		e.costUsed = 0
		e.requestCount = 0
		e.periodStart = periodStart(b.period, now)
		e.history = e.history[:0]
	}
	b.mu.Unlock()
}

// NextBoundary returns the next period reset instant after now.
func (b *BudgetManager) NextBoundary() time.Time {
	return nextReset(b.period, periodStart(b.period, b.now()))
}

// periodStart returns the start of the period containing t (UTC). Weekly
// periods follow ISO weeks (Monday start); monthly anchors on day 1.
func periodStart(period string, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case "daily":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "weekly":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	default: // monthly
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// nextReset returns the end of the period that started at start.
func nextReset(period string, start time.Time) time.Time {
	switch period {
	case "daily":
		return start.AddDate(0, 0, 1)
	case "weekly":
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 1, 0)
	}
}
