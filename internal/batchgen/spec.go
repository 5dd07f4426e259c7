// Package batchgen renders sbatch scripts from job parameters. Rendering
// is pure and deterministic: identical input produces byte-identical
// script text, so a preview always matches what gets submitted.
package batchgen

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"slurmdeck/internal/config"
	"slurmdeck/internal/slurm"
)

// Spec is the generator's input, constructed per submission or preview.
type Spec struct {
	JobName     string
	Partition   string
	NumNodes    int
	GPUsPerNode int
	GPUType     string
	CPUsPerTask int
	MemPerNode  string
	TimeLimit   string
	OutputFile  string

	RepoURL   string
	CommitSHA string
	Workspace string

	// Command is the fully rendered training command line, including any
	// distributed-launcher prefix. See BuildTrainingCommand.
	Command string

	EnvSetup []string

	// Dialect selects how the GPU request is expressed; one of the
	// config.Dialect* values.
	Dialect string
}

const scriptTemplate = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --partition={{.Partition}}
#SBATCH --nodes={{.NumNodes}}
#SBATCH --ntasks-per-node=1
{{- if .CPUsPerTask}}
#SBATCH --cpus-per-task={{.CPUsPerTask}}
{{- end}}
{{- if .MemPerNode}}
#SBATCH --mem={{.MemPerNode}}
{{- end}}
#SBATCH --time={{.TimeLimit}}
#SBATCH --output={{.OutputFile}}
{{- range .GPULines}}
{{.}}
{{- end}}

set -euo pipefail

WORKSPACE={{.Workspace}}
REPO_DIR="$WORKSPACE/{{.JobName}}"

mkdir -p "$WORKSPACE"
if [ ! -d "$REPO_DIR/.git" ]; then
    git clone {{.RepoURL}} "$REPO_DIR"
fi
cd "$REPO_DIR"
git fetch origin
git checkout {{.CommitSHA}}
{{- range .EnvSetup}}
{{.}}
{{- end}}

echo "Total GPUs: {{.TotalGPUs}}"
{{.Command}}
`

var tmpl = template.Must(template.New("sbatch").Parse(scriptTemplate))

type templateContext struct {
	Spec
	TotalGPUs int
	GPULines  []string
}

// Render produces the sbatch script for spec. The repository URL is
// rewritten to SSH form so non-interactive remote clones work without a
// credential prompt.
func Render(spec Spec) (string, error) {
	if spec.JobName == "" {
		return "", errors.New("job name is required")
	}
	if spec.OutputFile == "" {
		spec.OutputFile = "slurm-%j.out"
	}
	if spec.TimeLimit == "" {
		spec.TimeLimit = "24:00:00"
	}
	spec.RepoURL = RewriteGitURL(spec.RepoURL)

	ctx := templateContext{
		Spec:      spec,
		TotalGPUs: spec.NumNodes * spec.GPUsPerNode,
		GPULines:  gpuRequestLines(spec),
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, ctx); err != nil {
		return "", errors.Wrap(err, "render sbatch script")
	}
	return b.String(), nil
}

// gpuRequestLines emits the dialect-specific request. Gres clusters take
// a typed resource string; constraint clusters take a node-feature
// constraint on the model plus a count-only resource string.
func gpuRequestLines(spec Spec) []string {
	if spec.GPUsPerNode <= 0 {
		return nil
	}
	switch spec.Dialect {
	case config.DialectConstraint:
		lines := []string{}
		if spec.GPUType != "" {
			lines = append(lines, "#SBATCH --constraint="+spec.GPUType)
		}
		return append(lines, "#SBATCH --gres="+slurm.FormatGres("", spec.GPUsPerNode))
	default:
		return []string{"#SBATCH --gres=" + slurm.FormatGres(spec.GPUType, spec.GPUsPerNode)}
	}
}
