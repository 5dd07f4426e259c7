package slurm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// gresToken accepts the GPU token shapes Slurm emits across node
// descriptions, allocation TRES strings and squeue %b fields:
//
//	gpu            gpu:a100         gpu:a100:4
//	gpu:4          gres/gpu=2       gres/gpu:a100=2
//
// The model group can swallow a bare count ("gpu:4"); parseGresToken
// fixes that up afterwards.
var gresToken = regexp.MustCompile(`(?:gres/gpu|gpu):?([A-Za-z0-9_]+)?[:=]?(\d+)?`)

// ParseGres parses a generic-resource string into model → count. Tokens
// without a model collapse to the literal key "gpu"; a missing count
// means one. Unparseable input yields an empty map, never an error.
func ParseGres(s string) map[string]int {
	gpus := map[string]int{}
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" || s == "(null)" {
		return gpus
	}
	for _, m := range gresToken.FindAllStringSubmatch(s, -1) {
		model, count := m[1], m[2]
		if count == "" && isDigits(model) {
			// bare count, e.g. "gpu:4"
			model, count = "", model
		}
		n := 1
		if count != "" {
			n, _ = strconv.Atoi(count)
		}
		key := "gpu"
		if model != "" {
			key = strings.ToLower(model)
		}
		gpus[key] += n
	}
	return gpus
}

// FormatGres renders one model/count pair in the canonical token form.
// An empty model renders the generic "gpu:<count>" shape.
func FormatGres(model string, count int) string {
	if model == "" {
		return fmt.Sprintf("gpu:%d", count)
	}
	return fmt.Sprintf("gpu:%s:%d", model, count)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
