package slurm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want Status
	}{
		{"PENDING", StatusPending},
		{"CONFIGURING", StatusPending},
		{"RUNNING", StatusRunning},
		{"COMPLETED", StatusCompleted},
		{"FAILED", StatusFailed},
		{"TIMEOUT", StatusFailed},
		{"OUT_OF_MEMORY", StatusFailed},
		{"NODE_FAIL", StatusFailed},
		{"CANCELLED", StatusCancelled},
		{"CANCELED", StatusCancelled},
		{"running", StatusRunning},
		{"  completed \n", StatusCompleted},
		// unmapped codes pass through unchanged
		{"REQUEUED", Status("REQUEUED")},
		{"SPECIAL_EXIT", Status("SPECIAL_EXIT")},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []Status{StatusSubmitting, StatusPending, StatusRunning, StatusUnknown, Status("REQUEUED")}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseSubmitOutput(t *testing.T) {
	id, err := ParseSubmitOutput("Submitted batch job 12345\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "12345" {
		t.Errorf("got id %q, want 12345", id)
	}

	if _, err := ParseSubmitOutput("sbatch: error: invalid partition"); err == nil {
		t.Error("expected error for output without a job id")
	}
}

func TestParsePartitions(t *testing.T) {
	out := "gpu*\ndebug\ngpu\n\nlong\n"
	got := ParsePartitions(out)
	want := []string{"gpu", "debug", "long"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("partition %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
