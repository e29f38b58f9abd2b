package plans

import (
	"regexp"
	"strings"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	taskListRe = regexp.MustCompile(`^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
	numberedRe = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	bulletRe   = regexp.MustCompile(`^\s*[-*]\s+(.+)$`)
)

// taskBreakdownSection returns the body of a "Task breakdown" heading (any
// level, case-insensitive): lines until the next heading of equal or
// shallower level. ok is false when no such section exists.
func taskBreakdownSection(text string) (body string, ok bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil || !strings.EqualFold(strings.TrimSpace(m[2]), "task breakdown") {
			continue
		}
		level := len(m[1])
		var out []string
		for _, l := range lines[i+1:] {
			if hm := headingRe.FindStringSubmatch(l); hm != nil && len(hm[1]) <= level {
				break
			}
			out = append(out, l)
		}
		return strings.Join(out, "\n"), true
	}
	return "", false
}

// ParseTaskBreakdown extracts task texts from a plan document. It prefers
// the "Task breakdown" section; within the chosen body it takes, in priority
// order, markdown task-list bullets, then numbered items, then plain
// bullets.
func ParseTaskBreakdown(planText string) []string {
	body, ok := taskBreakdownSection(planText)
	if !ok {
		body = planText
	}
	for _, re := range []*regexp.Regexp{taskListRe, numberedRe, bulletRe} {
		var steps []string
		for _, line := range strings.Split(body, "\n") {
			if m := re.FindStringSubmatch(line); m != nil {
				if s := strings.TrimSpace(m[1]); s != "" {
					steps = append(steps, s)
				}
			}
		}
		if len(steps) > 0 {
			return steps
		}
	}
	return nil
}
