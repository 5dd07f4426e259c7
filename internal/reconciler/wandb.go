package reconciler

import "regexp"

// wandbPatterns match the run URL the wandb client prints, most specific
// first:
//
//	wandb: 🚀 View run at https://wandb.ai/...
//	View run at https://wandb.ai/...
var wandbPatterns = []*regexp.Regexp{
	regexp.MustCompile(`View run at (https://wandb\.ai/\S+)`),
	regexp.MustCompile(`wandb: .*?(https://wandb\.ai/\S+)`),
	regexp.MustCompile(`(https://wandb\.ai/\S+)`),
}

// ExtractWandbURL returns the first run URL found in log content, or "".
func ExtractWandbURL(logContent string) string {
	for _, p := range wandbPatterns {
		if m := p.FindStringSubmatch(logContent); m != nil {
			return m[1]
		}
	}
	return ""
}
