package shadow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/testutil"
	"github.com/modelmux/modelmux/internal/upstream"
)

func judgeWith(reply string, err error) *Judge {
	up := testutil.NewFakeUpstream(upstream.Config{Name: "judge", DefaultModel: "judge-model"})
	up.CallFn = func(context.Context, string, *gateway.CallOptions) (*gateway.Response, error) {
		if err != nil {
			return nil, err
		}
		return &gateway.Response{Text: reply, Provider: "judge"}, nil
	}
	j := NewJudge(up, "judge-model", slog.New(slog.DiscardHandler))
	j.pause = 0
	return j
}

func TestJudge_ParsesVerdict(t *testing.T) {
	t.Parallel()

	reply := "Here is my assessment:\n" +
		`{"winner":"B","scores":{"A":{"correctness":6,"relevance":7,"clarity":8,"completeness":5,"conciseness":6},` +
		`"B":{"correctness":9,"relevance":8,"clarity":8,"completeness":9,"conciseness":7}},"reasoning":"B is more thorough"}` +
		"\nHope that helps."
	j := judgeWith(reply, nil)

	c := comp("r1")
	v := j.Evaluate(context.Background(), &c)
	if v.Winner != WinnerB {
		t.Fatalf("winner = %q", v.Winner)
	}
	if v.A.Total != 32 {
		t.Fatalf("A total = %v, want computed sum 32", v.A.Total)
	}
	if v.B.Total != 41 {
		t.Fatalf("B total = %v", v.B.Total)
	}
	if v.Reasoning != "B is more thorough" {
		t.Fatalf("reasoning = %q", v.Reasoning)
	}
}

func TestJudge_MalformedReplyYieldsError(t *testing.T) {
	t.Parallel()

	j := judgeWith("I cannot decide between these two.", nil)
	c := comp("r1")
	v := j.Evaluate(context.Background(), &c)
	if v.Winner != WinnerError {
		t.Fatalf("winner = %q, want ERROR", v.Winner)
	}
	if v.A.Total != 0 || v.B.Total != 0 {
		t.Fatalf("scores = %v / %v, want zero", v.A.Total, v.B.Total)
	}
}

func TestJudge_CallFailureYieldsError(t *testing.T) {
	t.Parallel()

	j := judgeWith("", errors.New("judge upstream down"))
	c := comp("r1")
	v := j.Evaluate(context.Background(), &c)
	if v.Winner != WinnerError {
		t.Fatalf("winner = %q", v.Winner)
	}
}

func TestJudge_DrainAndJudgeDeliversAll(t *testing.T) {
	t.Parallel()

	j := judgeWith(`{"winner":"TIE","scores":{"A":{"correctness":5},"B":{"correctness":5}}}`, nil)
	q := NewQueue(10)
	for range 3 {
		q.Push(comp("x"))
	}

	results := j.DrainAndJudge(context.Background(), q, 2)
	if len(results) != 2 {
		t.Fatalf("results = %d, want drain limit", len(results))
	}
	if q.Len() != 1 {
		t.Fatalf("remaining = %d", q.Len())
	}
	for _, r := range results {
		if r.Verdict.Winner != WinnerTie {
			t.Fatalf("verdict = %+v", r.Verdict)
		}
	}
}

func TestFirstJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`prefix {"a":1} suffix`, `{"a":1}`, true},
		{`{"a":{"b":2}}`, `{"a":{"b":2}}`, true},
		{`{"s":"brace } in string"}`, `{"s":"brace } in string"}`, true},
		{`{"s":"esc \" quote }"}`, `{"s":"esc \" quote }"}`, true},
		{"no json here", "", false},
		{`{"unbalanced":`, "", false},
	}
	for _, tt := range tests {
		got, ok := firstJSONObject(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("firstJSONObject(%q) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestRubricPrompt_ContainsBothResponses(t *testing.T) {
	t.Parallel()

	c := comp("r1")
	p := rubricPrompt(&c)
	for _, want := range []string{"Response A:", "Response B:", c.Primary.Response, c.Shadow.Response, "strict JSON"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
