package reconciler

import "testing"

func TestExtractWandbURL(t *testing.T) {
	cases := []struct {
		name string
		log  string
		want string
	}{
		{
			"view run line",
			"wandb: 🚀 View run at https://wandb.ai/acme/vision/runs/3f9x\nEpoch 1/10",
			"https://wandb.ai/acme/vision/runs/3f9x",
		},
		{
			"plain view run",
			"View run at https://wandb.ai/acme/vision/runs/abc",
			"https://wandb.ai/acme/vision/runs/abc",
		},
		{
			"bare url",
			"run url: https://wandb.ai/acme/vision/runs/zz9",
			"https://wandb.ai/acme/vision/runs/zz9",
		},
		{
			"first match wins",
			"https://wandb.ai/first/p/runs/1\nhttps://wandb.ai/second/p/runs/2",
			"https://wandb.ai/first/p/runs/1",
		},
		{"no url", "Epoch 1/10 loss=0.42", ""},
		{"empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExtractWandbURL(c.log); got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}
