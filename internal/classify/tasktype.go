package classify

import "strings"

// TaskType labels what kind of work a prompt asks for.
type TaskType string

const (
	TaskCode     TaskType = "CODE"
	TaskMath     TaskType = "MATH"
	TaskCreative TaskType = "CREATIVE"
	TaskAnalysis TaskType = "ANALYSIS"
	TaskGeneral  TaskType = "GENERAL"
)

// taskKeywords are checked in order; the first category with a match wins.
var taskKeywords = []struct {
	task     TaskType
	keywords []string
}{
	{TaskCode, []string{"code", "function", "debug", "implement", "compile", "refactor", "bug", "```"}},
	{TaskMath, []string{"calculate", "equation", "solve", "math", "integral", "derivative", "proof"}},
	{TaskCreative, []string{"story", "poem", "write a", "creative", "imagine", "fiction", "lyrics"}},
	{TaskAnalysis, []string{"analyze", "compare", "evaluate", "summarize", "review", "assess"}},
}

// Task detects the task type of a prompt by case-insensitive keyword match.
// An explicit non-empty override bypasses detection.
func Task(text, override string) TaskType {
	if override != "" {
		return TaskType(strings.ToUpper(override))
	}
	lower := strings.ToLower(text)
	for _, cat := range taskKeywords {
		for _, kw := range cat.keywords {
			if strings.Contains(lower, kw) {
				return cat.task
			}
		}
	}
	return TaskGeneral
}
