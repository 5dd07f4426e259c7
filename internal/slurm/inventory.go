package slurm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Node states excluded from availability accounting.
var excludedStates = map[string]bool{
	"DRAIN":   true,
	"DRAINED": true,
	"DOWN":    true,
}

// Pending reasons that represent real demand. Held or dependency-blocked
// jobs are not waiting on capacity and are ignored.
var demandReasons = map[string]bool{
	"(Resources)": true,
	"(Priority)":  true,
}

// ModelAvailability is the per-GPU-model aggregate of one snapshot.
type ModelAvailability struct {
	GPUType       string   `json:"gpu_type"`
	Total         int      `json:"total"`
	Available     int      `json:"available"`
	InUse         int      `json:"in_use"`
	Pending       int      `json:"pending"`
	NodesWithFree []string `json:"nodes_with_free"`
}

// Snapshot is a complete, internally consistent picture of one cluster's
// GPU inventory. Model names are whatever the cluster advertises, sorted
// for stable display.
type Snapshot struct {
	TotalFreeGPUs int                 `json:"total_free_gpus"`
	GPUs          []ModelAvailability `json:"gpus"`
}

var (
	nodeNameRe  = regexp.MustCompile(`NodeName=(\S+)`)
	nodeStateRe = regexp.MustCompile(`State=(\S+)`)
	gresLineRe  = regexp.MustCompile(`Gres=(\S*)`)
	allocLineRe = regexp.MustCompile(`AllocTRES=(\S*)`)
)

// ParseInventory turns raw `scontrol show node` output and a pending-queue
// listing into a snapshot. Node blocks or queue lines that fail to parse
// are skipped; they never fail the snapshot as a whole.
func ParseInventory(nodesOut, pendingOut string) Snapshot {
	total := map[string]int{}
	freeNodes := map[string][]string{}

	for _, block := range strings.Split(strings.TrimSpace(nodesOut), "\n\n") {
		name, ok := parseNodeBlock(block)
		if !ok {
			continue
		}

		gres := parseMatch(gresLineRe, block)
		alloc := parseMatch(allocLineRe, block)
		reconcileGenericAlloc(gres, alloc)

		for model, adv := range gres {
			total[model] += adv
			free := adv - alloc[model]
			if free > 0 {
				freeNodes[model] = append(freeNodes[model], fmt.Sprintf("%s:%d", name, free))
			}
		}
	}

	pending := parsePendingDemand(pendingOut)

	models := map[string]bool{}
	for m := range total {
		models[m] = true
	}
	for m := range pending {
		models[m] = true
	}
	names := make([]string, 0, len(models))
	for m := range models {
		names = append(names, m)
	}
	sort.Strings(names)

	var snap Snapshot
	for _, m := range names {
		nodes := append([]string(nil), freeNodes[m]...)
		sort.Strings(nodes)

		avail := 0
		for _, n := range nodes {
			if i := strings.LastIndex(n, ":"); i >= 0 {
				var c int
				fmt.Sscanf(n[i+1:], "%d", &c)
				avail += c
			}
		}

		snap.TotalFreeGPUs += avail
		snap.GPUs = append(snap.GPUs, ModelAvailability{
			GPUType:       m,
			Total:         total[m],
			Available:     avail,
			InUse:         total[m] - avail,
			Pending:       pending[m],
			NodesWithFree: nodes,
		})
	}
	return snap
}

// parseNodeBlock extracts the node name, rejecting blocks without a name
// or state and nodes in an excluded state (State can be compound, e.g.
// IDLE+DRAIN).
func parseNodeBlock(block string) (string, bool) {
	name := nodeNameRe.FindStringSubmatch(block)
	state := nodeStateRe.FindStringSubmatch(block)
	if name == nil || state == nil {
		return "", false
	}
	for _, part := range strings.Split(state[1], "+") {
		if excludedStates[strings.ToUpper(part)] {
			return "", false
		}
	}
	return name[1], true
}

func parseMatch(re *regexp.Regexp, block string) map[string]int {
	m := re.FindStringSubmatch(block)
	if m == nil {
		return map[string]int{}
	}
	return ParseGres(m[1])
}

// reconcileGenericAlloc maps a generic "gpu" allocation onto advertised
// models when the allocation string carries no model of its own. With one
// advertised model the whole count maps to it; with several, the count is
// spread proportionally to advertised capacity. Integer division; any
// remainder is dropped.
func reconcileGenericAlloc(gres, alloc map[string]int) {
	generic, ok := alloc["gpu"]
	if !ok || generic == 0 || len(alloc) != 1 {
		return
	}

	var models []string
	advTotal := 0
	for m, c := range gres {
		if m != "gpu" {
			models = append(models, m)
			advTotal += c
		}
	}

	switch {
	case len(models) == 1:
		alloc[models[0]] = generic
		delete(alloc, "gpu")
	case len(models) > 1 && advTotal > 0:
		for _, m := range models {
			alloc[m] = generic * gres[m] / advTotal
		}
		delete(alloc, "gpu")
	}
}

// parsePendingDemand accumulates requested GPU counts from pending-queue
// lines whose reason is purely capacity (Resources/Priority).
func parsePendingDemand(out string) map[string]int {
	pending := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 4 {
			continue
		}
		if !demandReasons[f[2]] {
			continue
		}
		for model, count := range ParseGres(strings.Join(f[3:], " ")) {
			pending[model] += count
		}
	}
	return pending
}
