package jobs

import (
	"context"
	"strings"
	"testing"

	"slurmdeck/internal/config"
	"slurmdeck/internal/slurm"
	"slurmdeck/internal/sshx"
	"slurmdeck/internal/store"
)

type fakeSession struct {
	openErrs int // fail this many Open calls before succeeding
	opens    int
	uploads  map[string][]byte
	files    map[string][]byte
	handler  func(cmd string) (sshx.Output, error)
	closed   bool
}

func (f *fakeSession) Open(context.Context) error {
	f.opens++
	if f.opens <= f.openErrs {
		return &sshx.ConnectionError{Host: "hyperion", Err: context.DeadlineExceeded}
	}
	return nil
}

func (f *fakeSession) Run(_ context.Context, cmd string, _ bool) (sshx.Output, error) {
	return f.handler(cmd)
}

func (f *fakeSession) Upload(_ context.Context, data []byte, remotePath string) error {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[remotePath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeSession) Download(_ context.Context, remotePath string) ([]byte, error) {
	return f.files[remotePath], nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func testClusters() *config.File {
	return &config.File{Clusters: []config.Cluster{{
		Name:              "hyperion",
		Host:              "mlops@hyperion",
		Port:              22,
		Workspace:         "/scratch/mlops",
		AllowedPartitions: []string{"gpu", "debug"},
		GPUDialect:        config.DialectGres,
	}}}
}

func testRequest() SubmitRequest {
	return SubmitRequest{
		Name:        "resnet-sweep",
		Cluster:     "hyperion",
		Partition:   "gpu",
		GPUType:     "a100",
		NumNodes:    1,
		GPUsPerNode: 4,
		RepoURL:     "https://github.com/acme/trainer",
		CommitSHA:   "deadbeef",
		ScriptPath:  "train.py",
		Overrides:   map[string]string{"lr": "0.1"},
	}
}

func newTestService(sess *fakeSession) (*Service, *store.MemStore) {
	st := store.NewMemStore()
	svc := NewService(st, testClusters(), 100)
	svc.newSession = func(config.Cluster) session { return sess }
	return svc, st
}

func TestSubmitSuccess(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		if strings.HasPrefix(cmd, "sbatch") {
			return sshx.Output{Stdout: "Submitted batch job 777\n"}, nil
		}
		return sshx.Output{}, nil
	}}
	svc, _ := newTestService(sess)

	rec, err := svc.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.SlurmJobID != "777" {
		t.Errorf("slurm id = %q, want 777", rec.SlurmJobID)
	}
	if rec.Status != slurm.StatusPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
	if rec.LogPath != "/scratch/mlops/resnet-sweep-777.out" {
		t.Errorf("log path = %q", rec.LogPath)
	}
	if !sess.closed {
		t.Error("session not released after submit")
	}
}

// The uploaded script must be byte-identical to the preview.
func TestSubmitUploadsPreviewedScript(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		return sshx.Output{Stdout: "Submitted batch job 1\n"}, nil
	}}
	svc, _ := newTestService(sess)

	preview, err := svc.Preview(testRequest())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := svc.Submit(context.Background(), testRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	uploaded, ok := sess.uploads["/scratch/mlops/resnet-sweep.sbatch"]
	if !ok {
		t.Fatalf("script not uploaded; uploads: %v", sess.uploads)
	}
	if string(uploaded) != preview {
		t.Error("uploaded script differs from preview")
	}
}

func TestSubmitCommandFailureMarksFailed(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		return sshx.Output{ExitCode: 1, Stderr: "sbatch: error: invalid account"}, nil
	}}
	svc, _ := newTestService(sess)

	rec, err := svc.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit returned error instead of failed record: %v", err)
	}
	if rec.Status != slurm.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}
	if !strings.Contains(rec.Error, "invalid account") {
		t.Errorf("stderr not recorded: %q", rec.Error)
	}
}

func TestSubmitRetriesConnect(t *testing.T) {
	sess := &fakeSession{
		openErrs: 1,
		handler: func(cmd string) (sshx.Output, error) {
			return sshx.Output{Stdout: "Submitted batch job 9\n"}, nil
		},
	}
	svc, _ := newTestService(sess)

	rec, err := svc.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != slurm.StatusPending {
		t.Errorf("status = %s, want PENDING after connect retry", rec.Status)
	}
	if sess.opens < 2 {
		t.Errorf("opens = %d, want a retried connect", sess.opens)
	}
}

func TestSubmitRejectsDisallowedPartition(t *testing.T) {
	svc, _ := newTestService(&fakeSession{})

	req := testRequest()
	req.Partition = "secret"
	_, err := svc.Submit(context.Background(), req)
	if err == nil {
		t.Fatal("expected partition rejection")
	}
	if _, ok := err.(*config.ConfigError); !ok {
		t.Errorf("want *config.ConfigError, got %T", err)
	}
}

func TestSubmitUnknownCluster(t *testing.T) {
	svc, _ := newTestService(&fakeSession{})

	req := testRequest()
	req.Cluster = "nope"
	if _, err := svc.Submit(context.Background(), req); err == nil {
		t.Fatal("expected unknown-cluster error")
	}
}

func TestLogsTail(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		if strings.HasPrefix(cmd, "tail -n 50") {
			return sshx.Output{Stdout: "epoch 1 done\n"}, nil
		}
		return sshx.Output{ExitCode: 1}, nil
	}}
	svc, st := newTestService(sess)

	job := &store.JobRecord{Name: "exp", Cluster: "hyperion", SlurmJobID: "5", Status: slurm.StatusRunning, LogPath: "/scratch/mlops/exp-5.out"}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	out, err := svc.Logs(context.Background(), job.ID, 50)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "epoch 1 done\n" {
		t.Errorf("logs = %q", out)
	}
}

func TestLogsFullFilters(t *testing.T) {
	raw := "starting\n 10%|███       | 10/100\nprogress: 1\rprogress: 2\rprogress: done\nfinished\n"
	sess := &fakeSession{files: map[string][]byte{"/scratch/mlops/exp-5.out": []byte(raw)}}
	svc, st := newTestService(sess)

	job := &store.JobRecord{Name: "exp", Cluster: "hyperion", SlurmJobID: "5", Status: slurm.StatusRunning, LogPath: "/scratch/mlops/exp-5.out"}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	out, err := svc.Logs(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "10%|") {
		t.Errorf("progress bar line survived: %q", out)
	}
	if !strings.Contains(out, "progress: done") || strings.Contains(out, "progress: 1") {
		t.Errorf("carriage-return rewrites not collapsed: %q", out)
	}
}

func TestLogsUnavailable(t *testing.T) {
	svc, st := newTestService(&fakeSession{})

	job := &store.JobRecord{Name: "exp", Cluster: "hyperion"}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Logs(context.Background(), job.ID, 10); err == nil {
		t.Error("expected error for job without a log path")
	}
}

func TestCancel(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		if strings.HasPrefix(cmd, "scancel") {
			return sshx.Output{}, nil
		}
		return sshx.Output{ExitCode: 1}, nil
	}}
	svc, st := newTestService(sess)

	job := &store.JobRecord{Name: "exp", Cluster: "hyperion", SlurmJobID: "8", Status: slurm.StatusRunning}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	rec, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != slurm.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", rec.Status)
	}
}

func TestRefresh(t *testing.T) {
	sess := &fakeSession{handler: func(cmd string) (sshx.Output, error) {
		if strings.HasPrefix(cmd, "squeue -j") {
			return sshx.Output{Stdout: "RUNNING\n"}, nil
		}
		return sshx.Output{}, nil
	}}
	svc, st := newTestService(sess)

	job := &store.JobRecord{Name: "exp", Cluster: "hyperion", SlurmJobID: "8", Status: slurm.StatusPending}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	rec, err := svc.Refresh(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Status != slurm.StatusRunning {
		t.Errorf("status = %s, want RUNNING", rec.Status)
	}
}
