package runner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	stepPattern    = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s*/\s*(\d+)`)
	percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)
	tqdmPattern    = regexp.MustCompile(`(\d{1,3})%\|`)
)

// ParseProgress extracts a completion fraction from one line of tool output.
// JSON lines are checked for progress, step/total_steps and epoch/epochs keys;
// plain text is checked for "step N/M", a tqdm bar, or a percentage on a line
// mentioning progress. ok is false when the line carries no progress.
func ParseProgress(line string) (float64, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return 0, false
	}

	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		if p, ok := parseJSONProgress(trimmed); ok {
			return p, true
		}
	}

	if m := stepPattern.FindStringSubmatch(trimmed); m != nil {
		if p, ok := ratio(m[1], m[2]); ok {
			return p, true
		}
	}

	if m := tqdmPattern.FindStringSubmatch(trimmed); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return clamp(v / 100), true
		}
	}

	if strings.Contains(strings.ToLower(trimmed), "progress") {
		if m := percentPattern.FindStringSubmatch(trimmed); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return clamp(v / 100), true
			}
		}
	}

	return 0, false
}

func parseJSONProgress(doc string) (float64, bool) {
	if v := gjson.Get(doc, "progress"); v.Type == gjson.Number {
		p := v.Float()
		if p > 1 {
			p /= 100
		}
		return clamp(p), true
	}

	pairs := [][2]string{
		{"step", "total_steps"},
		{"epoch", "epochs"},
	}
	for _, pair := range pairs {
		res := gjson.GetMany(doc, pair[0], pair[1])
		if res[0].Type == gjson.Number && res[1].Type == gjson.Number && res[1].Float() > 0 {
			return clamp(res[0].Float() / res[1].Float()), true
		}
	}
	return 0, false
}

func ratio(num, den string) (float64, bool) {
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return clamp(n / d), true
}

func clamp(p float64) float64 {
	return min(max(p, 0), 1)
}
