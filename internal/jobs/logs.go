package jobs

import (
	"regexp"
	"strings"
)

// tqdm-style progress bars: "epoch 3:  42%|████      | 420/1000".
var progressBarRe = regexp.MustCompile(`\d+%\|`)

// FilterProgressLines strips in-place progress rendering from a full log
// read: for lines rewritten with carriage returns only the final state is
// kept, and pure progress-bar lines are dropped.
func FilterProgressLines(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if i := strings.LastIndex(line, "\r"); i >= 0 {
			line = line[i+1:]
		}
		if progressBarRe.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
