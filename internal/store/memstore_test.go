package store

import (
	"context"
	"testing"
	"time"

	"slurmdeck/internal/slurm"
)

func TestMemStoreCreateAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	job := &JobRecord{Name: "exp-1", Cluster: "hyperion"}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("create did not assign an id")
	}
	if job.Status != slurm.StatusSubmitting {
		t.Errorf("initial status = %s, want SUBMITTING", job.Status)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "exp-1" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("expected not-found error")
	}
}

func TestMemStoreActive(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	submitted := &JobRecord{Name: "no-queue-id"}
	running := &JobRecord{Name: "running", SlurmJobID: "100", Status: slurm.StatusRunning}
	done := &JobRecord{Name: "done", SlurmJobID: "101", Status: slurm.StatusCompleted}
	for _, j := range []*JobRecord{submitted, running, done} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Name != "running" {
		t.Errorf("active = %+v, want only the running job", active)
	}
}

func TestMemStoreUpdates(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	job := &JobRecord{Name: "exp"}
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSubmission(ctx, job.ID, "4242", slurm.StatusPending, "/scratch/exp-4242.out", ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.SlurmJobID != "4242" || got.Status != slurm.StatusPending || got.LogPath != "/scratch/exp-4242.out" {
		t.Errorf("after submission: %+v", got)
	}

	if err := s.UpdateStatus(ctx, job.ID, slurm.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWandbURL(ctx, job.ID, "https://wandb.ai/acme/exp/runs/1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, job.ID)
	if got.Status != slurm.StatusRunning || got.WandbRunURL == "" {
		t.Errorf("after updates: %+v", got)
	}

	if err := s.UpdateStatus(ctx, "missing", slurm.StatusFailed); err == nil {
		t.Error("expected not-found error")
	}
}

func TestMemStoreListNewestFirst(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Now()
	i := 0
	s.now = func() time.Time { t := base.Add(time.Duration(i) * time.Minute); i++; return t }

	for _, name := range []string{"first", "second", "third"} {
		if err := s.Create(ctx, &JobRecord{Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	want := []string{"third", "second", "first"}
	for k, name := range want {
		if list[k].Name != name {
			t.Errorf("list[%d] = %s, want %s", k, list[k].Name, name)
		}
	}
}
