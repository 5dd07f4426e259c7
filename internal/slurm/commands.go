package slurm

import "fmt"

// Command lines executed remotely. Kept in one place so the session layer
// never embeds queue-tool syntax.

func SubmitCmd(scriptPath string) string {
	return "sbatch " + scriptPath
}

// LiveStatusCmd queries the live queue; empty stdout means the job has
// already left it.
func LiveStatusCmd(jobID string) string {
	return fmt.Sprintf("squeue -j %s -h -o '%%T'", jobID)
}

// HistoryStatusCmd queries accounting for jobs no longer in the live queue.
func HistoryStatusCmd(jobID string) string {
	return fmt.Sprintf("sacct -j %s -n -o State --parsable2", jobID)
}

func NodeInventoryCmd() string {
	return "scontrol show node"
}

func PendingDemandCmd() string {
	return `squeue --state=PD -a -o "%.18i %.2t %.25R %.20b" --noheader`
}

func TailCmd(path string, lines int) string {
	return fmt.Sprintf("tail -n %d %s", lines, path)
}

func PartitionsCmd() string {
	return "sinfo -o %P --noheader"
}

func CancelCmd(jobID string) string {
	return "scancel " + jobID
}
