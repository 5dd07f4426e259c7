package slurm

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandError is a non-zero exit from a remote queue command, with the
// tool's stderr attached.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit %d: %s", e.Cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
}

var submitIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseSubmitOutput extracts the queue-assigned job id from sbatch output
// ("Submitted batch job 12345").
func ParseSubmitOutput(stdout string) (string, error) {
	m := submitIDRe.FindStringSubmatch(stdout)
	if m == nil {
		return "", fmt.Errorf("no job id in sbatch output: %q", strings.TrimSpace(stdout))
	}
	return m[1], nil
}

// ParsePartitions parses `sinfo -o %P --noheader` output. The trailing
// asterisk marks the default partition and is stripped; duplicates are
// dropped, first-seen order kept.
func ParsePartitions(out string) []string {
	var parts []string
	seen := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		p := strings.TrimRight(strings.TrimSpace(line), "*")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	return parts
}
