package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/upstream"
)

const judgePause = 500 * time.Millisecond

// Judge scores shadow comparisons by asking a designated LLM upstream for a
// strict JSON verdict. Parse or call failures never stop the pipeline; they
// yield ERROR verdicts with zero scores on both sides.
type Judge struct {
	up    upstream.Upstream
	model string
	log   *slog.Logger

	pause time.Duration // between judge calls, avoids tripping its rate limit
}

// NewJudge creates a judge backed by the given upstream and model.
func NewJudge(up upstream.Upstream, model string, log *slog.Logger) *Judge {
	if log == nil {
		log = slog.Default()
	}
	return &Judge{up: up, model: model, log: log, pause: judgePause}
}

// rubricPrompt builds the evaluation prompt with both responses labeled A/B.
func rubricPrompt(c *Comparison) string {
	var b strings.Builder
	b.WriteString("You are an impartial judge comparing two AI responses to the same prompt.\n")
	b.WriteString("Score each response 0-10 on: correctness, relevance, clarity, completeness, conciseness.\n\n")
	fmt.Fprintf(&b, "Prompt:\n%s\n\n", c.Prompt)
	fmt.Fprintf(&b, "Response A:\n%s\n\n", c.Primary.Response)
	fmt.Fprintf(&b, "Response B:\n%s\n\n", c.Shadow.Response)
	b.WriteString(`Reply with strict JSON only, no prose, in exactly this shape:
{"winner":"A"|"B"|"TIE","scores":{"A":{"correctness":0,"relevance":0,"clarity":0,"completeness":0,"conciseness":0},"B":{"correctness":0,"relevance":0,"clarity":0,"completeness":0,"conciseness":0}},"reasoning":"..."}`)
	return b.String()
}

// firstJSONObject extracts the first balanced {...} from s.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func parseScores(v gjson.Result) Scores {
	s := Scores{
		Correctness:  v.Get("correctness").Float(),
		Relevance:    v.Get("relevance").Float(),
		Clarity:      v.Get("clarity").Float(),
		Completeness: v.Get("completeness").Float(),
		Conciseness:  v.Get("conciseness").Float(),
		Total:        v.Get("total").Float(),
	}
	if s.Total == 0 {
		s.Total = s.Sum()
	}
	return s
}

// errorVerdict is the zero-score verdict recorded when judging fails.
func errorVerdict(reason string) Verdict {
	return Verdict{Winner: WinnerError, Reasoning: reason}
}

// Evaluate judges a single comparison.
func (j *Judge) Evaluate(ctx context.Context, c *Comparison) Verdict {
	resp, err := j.up.Call(ctx, rubricPrompt(c), &gateway.CallOptions{Model: j.model})
	if err != nil {
		j.log.LogAttrs(ctx, slog.LevelWarn, "judge call failed",
			slog.String("error", err.Error()))
		return errorVerdict("judge call failed: " + err.Error())
	}

	raw, ok := firstJSONObject(resp.Text)
	if !ok || !gjson.Valid(raw) {
		return errorVerdict("no parseable verdict in judge reply")
	}

	doc := gjson.Parse(raw)
	winner := strings.ToUpper(doc.Get("winner").String())
	switch winner {
	case WinnerA, WinnerB, WinnerTie:
	default:
		return errorVerdict("unrecognized winner " + winner)
	}

	return Verdict{
		Winner:    winner,
		A:         parseScores(doc.Get("scores.A")),
		B:         parseScores(doc.Get("scores.B")),
		Reasoning: doc.Get("reasoning").String(),
	}
}

// DrainAndJudge pulls up to limit comparisons from the queue and judges each
// in turn, pausing briefly between calls. All comparisons produce a result,
// including ones the judge failed on.
func (j *Judge) DrainAndJudge(ctx context.Context, q *Queue, limit int) []Result {
	comps := q.Drain(limit)
	results := make([]Result, 0, len(comps))
	for i := range comps {
		if i > 0 && j.pause > 0 {
			select {
			case <-ctx.Done():
				// Remaining comparisons are judged as errors so they still
				// reach the collector.
				for _, c := range comps[i:] {
					results = append(results, Result{Comparison: c, Verdict: errorVerdict("judge shutdown")})
				}
				return results
			case <-time.After(j.pause):
			}
		}
		results = append(results, Result{Comparison: comps[i], Verdict: j.Evaluate(ctx, &comps[i])})
	}
	return results
}
