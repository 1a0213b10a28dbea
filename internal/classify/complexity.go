package classify

import (
	"regexp"
	"strings"
)

// ComplexityCategory buckets the complexity score.
type ComplexityCategory string

const (
	ComplexitySimple   ComplexityCategory = "SIMPLE"   // [0, 30)
	ComplexityModerate ComplexityCategory = "MODERATE" // [30, 70)
	ComplexityComplex  ComplexityCategory = "COMPLEX"  // [70, 100]
)

// mathPattern matches LaTeX-style commands and structural math characters.
var mathPattern = regexp.MustCompile(`\\[A-Za-z]+|\^|\{|\}`)

var reasoningWords = []string{"reason", "step", "explain", "analyze", "compare"}

// Complexity scores a prompt in [0, 100]:
//
//	min(30, len/50) + 20*codeBlocks + min(20, 2*mathSignals) + 15*hasReasoningWord
func Complexity(text string) float64 {
	score := min(30, float64(len(text))/50)

	codeBlocks := strings.Count(text, "```") / 2
	score += 20 * float64(codeBlocks)

	mathSignals := len(mathPattern.FindAllString(text, -1))
	score += min(20, 2*float64(mathSignals))

	lower := strings.ToLower(text)
	for _, w := range reasoningWords {
		if strings.Contains(lower, w) {
			score += 15
			break
		}
	}

	return min(100, score)
}

// ComplexityOf maps a score to its category.
func ComplexityOf(score float64) ComplexityCategory {
	switch {
	case score < 30:
		return ComplexitySimple
	case score < 70:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}
