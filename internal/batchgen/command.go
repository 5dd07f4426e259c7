package batchgen

import (
	"fmt"
	"sort"
	"strings"
)

// distributedLauncher prefixes multi-node training commands so each task
// lands on its own node.
const distributedLauncher = "srun"

// BuildTrainingCommand renders the training command line: the base
// interpreter plus script, key=value override tokens in sorted key order
// (map iteration order must not leak into script text), and the
// distributed-launcher prefix when the job spans nodes.
func BuildTrainingCommand(scriptPath string, overrides map[string]string, numNodes int) string {
	var b strings.Builder
	b.WriteString("python " + scriptPath)

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, overrides[k])
	}

	cmd := b.String()
	if numNodes > 1 {
		cmd = distributedLauncher + " " + cmd
	}
	return cmd
}
